// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned by Submit when no more requests can be queued.
	ErrQueueFull = errors.New("Notification queue is full")

	// ErrDispatcherStopped is returned by Submit after the dispatcher was stopped.
	ErrDispatcherStopped = errors.New("Dispatcher stopped")

	// ErrTokenSuppressed is returned by Dispatch for tokens the provider previously rejected.
	ErrTokenSuppressed = errors.New("Token suppressed")
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// A Suppressor remembers tokens that can't be delivered to.
// tokens.Store satisfies this interface.
type Suppressor interface {
	Suppress(ctx context.Context, token string, ttl time.Duration) error
	IsSuppressed(ctx context.Context, token string) (bool, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Workers is the number of notifications delivered concurrently.
	Workers int

	// QueueSize is the number of notifications that may wait for a worker.
	QueueSize int

	// MaxRetries is the number of times a failed delivery is retried.
	// Fatal failures, such as unregistered devices, are never retried.
	MaxRetries int

	// Timeout bounds a single delivery, including retries.
	Timeout time.Duration

	// SuppressTTL is how long a rejected token stays suppressed.
	SuppressTTL time.Duration
}

// Dispatcher delivers notifications through a Sender.
// Requests submitted with Submit are queued and delivered by a pool of workers,
// so callers never wait on the provider.
type Dispatcher struct {
	Log *logrus.Logger

	sender     Sender
	suppressor Suppressor
	cfg        Config

	queue   chan Request
	wg      sync.WaitGroup
	stopMTX sync.RWMutex // Protects stopped, started, and closing queue
	stopped bool
	started bool
	cancel  context.CancelFunc
	baseCtx context.Context

	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	retried   atomic.Uint64
	abandoned atomic.Uint64 // Queued requests dropped after Stop timed out
}

// NewDispatcher creates a dispatcher delivering through sender.
// suppressor may be nil.
func NewDispatcher(sender Sender, suppressor Suppressor, cfg Config, log *logrus.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SuppressTTL <= 0 {
		cfg.SuppressTTL = 24 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Dispatcher{
		Log:        log,
		sender:     sender,
		suppressor: suppressor,
		cfg:        cfg,
		queue:      make(chan Request, cfg.QueueSize),
		baseCtx:    context.Background(),
	}
}

// Start starts the workers. Cancelling ctx aborts deliveries in progress.
func (d *Dispatcher) Start(ctx context.Context) {
	d.stopMTX.Lock()
	defer d.stopMTX.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	d.baseCtx, d.cancel = context.WithCancel(ctx)

	d.Log.WithFields(logrus.Fields{
		"provider":    d.sender.Name(),
		"workers":     d.cfg.Workers,
		"queue_size":  d.cfg.QueueSize,
		"max_retries": d.cfg.MaxRetries,
	}).Info("Notification dispatcher started")

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for req := range d.queue {
		if d.baseCtx.Err() != nil {
			// Stop gave up waiting; what's left is dropped, not failed.
			d.dropped.Add(1)
			d.abandoned.Add(1)
			continue
		}
		// Errors are already logged by Dispatch.
		d.Dispatch(d.baseCtx, req)
	}
}

// Submit queues req for delivery, without waiting for it to be delivered.
func (d *Dispatcher) Submit(req Request) error {
	d.stopMTX.RLock()
	defer d.stopMTX.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- req:
		d.submitted.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dispatch delivers req, retrying transient failures.
// Every failure is logged, and returned as a *DeliveryError, ErrTokenSuppressed or a context error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	log := d.Log.WithFields(logrus.Fields{
		"provider": d.sender.Name(),
		"token":    req.Token,
	})

	if d.suppressor != nil {
		suppressed, err := d.suppressor.IsSuppressed(ctx, req.Token)
		if err != nil {
			log.WithField("error", err).Warn("Cannot check whether token is suppressed")
		} else if suppressed {
			d.dropped.Add(1)
			log.Debug("Skipping suppressed token")
			return Result{}, ErrTokenSuppressed
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var result Result
	operation := func() error {
		var err error
		result, err = d.sender.Send(ctx, req)
		if err == nil {
			return nil
		}
		var delivErr *DeliveryError
		if errors.As(err, &delivErr) && delivErr.Fatal() {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			uint64(d.cfg.MaxRetries),
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, strategy, func(err error, next time.Duration) {
		d.retried.Add(1)
		log.WithFields(logrus.Fields{
			"error":      err,
			"next_retry": next,
		}).Warn("Retrying push notification")
	})
	if err != nil {
		d.failed.Add(1)
		var delivErr *DeliveryError
		if !errors.As(err, &delivErr) {
			delivErr = deliveryError(d.sender.Name(), req.Token, "", err)
		}
		log.WithFields(logrus.Fields{
			"error": delivErr,
			"code":  delivErr.Code,
		}).Error("Push notification failed")

		if delivErr.Fatal() && d.suppressor != nil {
			if err := d.suppressor.Suppress(context.Background(), req.Token, d.cfg.SuppressTTL); err != nil {
				log.WithField("error", err).Warn("Cannot suppress token")
			}
		}
		return Result{}, delivErr
	}

	d.delivered.Add(1)
	log.WithField("message_id", result.MessageID).Info("Push notification sent")
	return result, nil
}

// Stop stops accepting requests, and waits for queued requests to be delivered.
// If ctx is done first, deliveries in progress are cancelled,
// and requests still queued are dropped without being sent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopMTX.Lock()
	if d.stopped {
		d.stopMTX.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.stopMTX.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		go func() {
			<-done
			if n := d.abandoned.Load(); n > 0 {
				d.Log.WithFields(logrus.Fields{
					"provider":  d.sender.Name(),
					"abandoned": n,
				}).Warn("Dispatcher stopped before queued notifications were sent")
			}
		}()
		return errors.Wrap(ctx.Err(), "Stop dispatcher")
	}
}

// Stats contains counters about delivered notifications.
type Stats struct {
	Provider  string `json:"provider"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Retried   uint64 `json:"retried"`
}

// Stats gets counters for this dispatcher.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Provider:  d.sender.Name(),
		Queued:    len(d.queue),
		Submitted: d.submitted.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Retried:   d.retried.Load(),
	}
}
