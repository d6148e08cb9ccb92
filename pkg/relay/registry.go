// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateIdentifier is returned by Register when a channel with the same ID is already registered.
var ErrDuplicateIdentifier = errors.New("Channel identifier already registered")

// A Channel is a single persistent, bidirectional connection to one remote peer.
type Channel interface {
	// ID uniquely identifies the channel for as long as it is registered.
	ID() string

	// Send queues msg for delivery to the peer.
	// It must not block on the network.
	Send(msg []byte) error

	// Close closes the channel; it is safe to call more than once.
	Close(reason string) error
}

type registryEntry struct {
	channel Channel
	seq     uint64
}

// Registry is the authoritative set of open channels.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	lock            sync.RWMutex // Protects everything below except the atomic counters
	channels        map[string]registryEntry
	nextSeq         uint64
	createdTime     time.Time
	maxChannels     int
	maxChannelsTime time.Time

	totalChannels   atomic.Uint64
	messagesRelayed atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	now := time.Now()
	return &Registry{
		channels:        make(map[string]registryEntry),
		createdTime:     now,
		maxChannelsTime: now,
	}
}

// Register adds a channel to the registry.
func (reg *Registry) Register(c Channel) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, ok := reg.channels[c.ID()]; ok {
		return errors.Wrapf(ErrDuplicateIdentifier, "Register %s", c.ID())
	}
	reg.channels[c.ID()] = registryEntry{channel: c, seq: reg.nextSeq}
	reg.nextSeq++
	reg.totalChannels.Add(1)
	if len(reg.channels) > reg.maxChannels {
		reg.maxChannels = len(reg.channels)
		reg.maxChannelsTime = time.Now()
	}
	return nil
}

// Deregister removes a channel from the registry.
// Removing a channel that isn't registered is not an error; removed will be false.
func (reg *Registry) Deregister(c Channel) (removed bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	entry, ok := reg.channels[c.ID()]
	// Only remove the exact channel that was registered under this ID.
	if !ok || entry.channel != c {
		return false
	}
	delete(reg.channels, c.ID())
	return true
}

// Snapshot returns the registered channels in registration order.
// The returned slice is a copy, and may be iterated while the registry changes.
func (reg *Registry) Snapshot() []Channel {
	reg.lock.RLock()
	entries := make([]registryEntry, 0, len(reg.channels))
	for _, entry := range reg.channels {
		entries = append(entries, entry)
	}
	reg.lock.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	snapshot := make([]Channel, len(entries))
	for i, entry := range entries {
		snapshot[i] = entry.channel
	}
	return snapshot
}

// Len returns the number of registered channels.
func (reg *Registry) Len() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return len(reg.channels)
}

func (reg *Registry) countRelayed() {
	reg.messagesRelayed.Add(1)
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
	TotalChannels   uint64        `json:"total_channels"`
	MessagesRelayed uint64        `json:"messages_relayed"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	return Stats{
		Uptime:          time.Since(reg.createdTime),
		NumChannels:     len(reg.channels),
		MaxChannels:     reg.maxChannels,
		MaxChannelsTime: reg.maxChannelsTime,
		TotalChannels:   reg.totalChannels.Load(),
		MessagesRelayed: reg.messagesRelayed.Load(),
	}
}
