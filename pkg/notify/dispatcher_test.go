// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package notify

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Out = io.Discard
	log.Level = logrus.DebugLevel
}

// fakeSender fails with errs, in order, and then succeeds.
type fakeSender struct {
	mtx   sync.Mutex
	errs  []error
	calls []Request
	block chan struct{}
}

func (s *fakeSender) Name() string {
	return "fake"
}

func (s *fakeSender) Send(ctx context.Context, req Request) (Result, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.calls = append(s.calls, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Result{}, err
	}
	return Result{Token: req.Token, Provider: s.Name(), MessageID: "id-" + req.Token}, nil
}

func (s *fakeSender) numCalls() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.calls)
}

// fakeSuppressor is an in-memory Suppressor.
type fakeSuppressor struct {
	mtx        sync.Mutex
	suppressed map[string]time.Duration
}

func (s *fakeSuppressor) Suppress(ctx context.Context, token string, ttl time.Duration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.suppressed == nil {
		s.suppressed = make(map[string]time.Duration)
	}
	s.suppressed[token] = ttl
	return nil
}

func (s *fakeSuppressor) IsSuppressed(ctx context.Context, token string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.suppressed[token]
	return ok, nil
}

func TestDispatchSuccess(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, Config{}, log)

	result, err := d.Dispatch(context.Background(), Request{Token: "abc123", Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("Dispatch: %s", err)
	}
	if result.MessageID != "id-abc123" || result.Provider != "fake" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if stats := d.Stats(); stats.Delivered != 1 || stats.Failed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{errs: []error{
		deliveryError("fake", "abc", "", errors.New("unavailable")),
		deliveryError("fake", "abc", "", errors.New("unavailable")),
	}}
	d := NewDispatcher(sender, nil, Config{MaxRetries: 3}, log)

	if _, err := d.Dispatch(context.Background(), Request{Token: "abc"}); err != nil {
		t.Fatalf("Dispatch: %s", err)
	}
	if sender.numCalls() != 3 {
		t.Errorf("Sender called %d times; wanted 3", sender.numCalls())
	}
	if stats := d.Stats(); stats.Retried != 2 {
		t.Errorf("Retried %d times; wanted 2", stats.Retried)
	}
}

func TestDispatchGivesUp(t *testing.T) {
	sender := &fakeSender{errs: []error{
		errors.New("quota"),
		errors.New("quota"),
	}}
	d := NewDispatcher(sender, nil, Config{MaxRetries: 1}, log)

	_, err := d.Dispatch(context.Background(), Request{Token: "abc"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Dispatch returned %v; wanted a delivery failure", err)
	}
	var delivErr *DeliveryError
	if !errors.As(err, &delivErr) || delivErr.Token != "abc" {
		t.Errorf("Dispatch returned %#v; wanted a *DeliveryError for abc", err)
	}
	if sender.numCalls() != 2 {
		t.Errorf("Sender called %d times; wanted 2", sender.numCalls())
	}
}

func TestFatalFailureSuppressesToken(t *testing.T) {
	sender := &fakeSender{errs: []error{
		deliveryError("fake", "gone", "DeviceNotRegistered", errors.New("not registered")),
	}}
	suppressor := &fakeSuppressor{}
	d := NewDispatcher(sender, suppressor, Config{MaxRetries: 3, SuppressTTL: time.Hour}, log)

	if _, err := d.Dispatch(context.Background(), Request{Token: "gone"}); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Dispatch returned %v; wanted a delivery failure", err)
	}
	if sender.numCalls() != 1 {
		t.Errorf("Fatal failure was retried; sender called %d times", sender.numCalls())
	}
	if ttl := suppressor.suppressed["gone"]; ttl != time.Hour {
		t.Errorf("Token suppressed for %s; wanted 1h", ttl)
	}

	if _, err := d.Dispatch(context.Background(), Request{Token: "gone"}); err != ErrTokenSuppressed {
		t.Errorf("Dispatch to suppressed token returned %v", err)
	}
	if sender.numCalls() != 1 {
		t.Errorf("Suppressed token was sent to")
	}
}

func TestSubmitIsDeliveredByWorkers(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, Config{Workers: 2, QueueSize: 10}, log)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := d.Submit(Request{Token: "abc"}); err != nil {
			t.Fatalf("Submit: %s", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %s", err)
	}
	if sender.numCalls() != 5 {
		t.Errorf("Sender called %d times; wanted 5", sender.numCalls())
	}
	if err := d.Submit(Request{Token: "abc"}); err != ErrDispatcherStopped {
		t.Errorf("Submit after Stop returned %v", err)
	}
}

func TestSubmitDoesNotBlock(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	d := NewDispatcher(sender, nil, Config{Workers: 1, QueueSize: 1}, log)
	d.Start(context.Background())

	// One request is taken by the worker, which is blocked; one waits in the queue.
	// Eventually the queue is full, and Submit must fail rather than wait.
	done := make(chan error)
	go func() {
		var err error
		for i := 0; i < 10 && err == nil; i++ {
			err = d.Submit(Request{Token: "abc"})
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != ErrQueueFull {
			t.Errorf("Submit returned %v; wanted ErrQueueFull", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit blocked on a slow sender")
	}

	close(sender.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(ctx)
	if stats := d.Stats(); stats.Dropped == 0 {
		t.Errorf("Dropped requests were not counted: %+v", stats)
	}
}

func TestStopTimeoutDropsQueuedRequests(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.Level = logrus.DebugLevel
	sender := &fakeSender{block: make(chan struct{})}
	d := NewDispatcher(sender, nil, Config{Workers: 1, QueueSize: 5}, logger)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := d.Submit(Request{Token: "abc"}); err != nil {
			t.Fatalf("Submit: %s", err)
		}
	}

	// The sender never returns on its own, so Stop runs out of time.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Stop(ctx); err == nil {
		t.Fatalf("Stop returned nil; wanted a timeout")
	}
	d.wg.Wait()

	stats := d.Stats()
	if stats.Delivered != 0 || stats.Failed+stats.Dropped != 5 || stats.Dropped < 4 {
		t.Errorf("Unexpected stats after an expired Stop: %+v", stats)
	}

	var warnings, failures int
	deadline := time.Now().Add(2 * time.Second)
	for {
		warnings, failures = 0, 0
		for _, entry := range hook.AllEntries() {
			switch {
			case entry.Level == logrus.WarnLevel && entry.Message == "Dispatcher stopped before queued notifications were sent":
				warnings++
			case entry.Level == logrus.ErrorLevel:
				failures++
			}
		}
		if warnings > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if warnings != 1 {
		t.Errorf("Logged %d warnings about dropped requests; wanted 1", warnings)
	}
	if failures > 1 {
		t.Errorf("Logged %d delivery failures; only the request in progress may fail", failures)
	}
}
