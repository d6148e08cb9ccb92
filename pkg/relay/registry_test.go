// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newFakeChannel("A")); err != nil {
		t.Fatalf("Register: %s", err)
	}
	err := reg.Register(newFakeChannel("A"))
	if errors.Cause(err) != ErrDuplicateIdentifier {
		t.Errorf("Registering a duplicate ID returned %v; wanted ErrDuplicateIdentifier", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Registry has %d channels; wanted 1", reg.Len())
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a, b := newFakeChannel("A"), newFakeChannel("B")
	reg.Register(a)
	reg.Register(b)

	if !reg.Deregister(a) {
		t.Errorf("First Deregister reported nothing removed")
	}
	if reg.Deregister(a) {
		t.Errorf("Second Deregister reported a removal")
	}

	snapshot := reg.Snapshot()
	if len(snapshot) != 1 || snapshot[0] != b {
		t.Errorf("Snapshot after deregistering A: %v", snapshot)
	}
}

func TestDeregisterOnlyRemovesSameChannel(t *testing.T) {
	reg := NewRegistry()
	a := newFakeChannel("A")
	reg.Register(a)

	if reg.Deregister(newFakeChannel("A")) {
		t.Errorf("Deregistered a different channel with the same ID")
	}
	if reg.Len() != 1 {
		t.Errorf("Registry has %d channels; wanted 1", reg.Len())
	}
}

func TestSnapshotOrder(t *testing.T) {
	reg := NewRegistry()
	want := []string{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("%02d", 9-i)
		want = append(want, id)
		reg.Register(newFakeChannel(id))
	}

	got := []string{}
	for _, c := range reg.Snapshot() {
		got = append(got, c.ID())
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Snapshot order: wanted %v; got %v", want, got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	a := newFakeChannel("A")
	reg.Register(a)

	snapshot := reg.Snapshot()
	reg.Deregister(a)
	reg.Register(newFakeChannel("B"))

	if len(snapshot) != 1 || snapshot[0] != a {
		t.Errorf("Snapshot changed after registry was modified: %v", snapshot)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeChannel(fmt.Sprint(i))
			if err := reg.Register(c); err != nil {
				t.Errorf("Register: %s", err)
			}
			for range reg.Snapshot() {
			}
			if i%2 == 0 {
				reg.Deregister(c)
			}
		}(i)
	}
	wg.Wait()

	if reg.Len() != 25 {
		t.Errorf("Registry has %d channels; wanted 25", reg.Len())
	}
	stats := reg.Stats()
	if stats.TotalChannels != 50 {
		t.Errorf("TotalChannels is %d; wanted 50", stats.TotalChannels)
	}
	if stats.MaxChannels < 25 || stats.MaxChannels > 50 {
		t.Errorf("MaxChannels is %d", stats.MaxChannels)
	}
}
