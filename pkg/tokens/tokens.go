// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package tokens stores the push device tokens registered by clients.
package tokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrEmptyToken is returned when adding a blank token.
var ErrEmptyToken = errors.New("Token is empty")

// A Store holds registered device tokens,
// and remembers tokens that the push provider rejected.
type Store interface {
	Add(ctx context.Context, token string) error
	Remove(ctx context.Context, token string) error
	List(ctx context.Context) ([]string, error)

	// Suppress marks a token as undeliverable for ttl.
	Suppress(ctx context.Context, token string, ttl time.Duration) error
	IsSuppressed(ctx context.Context, token string) (bool, error)

	Close() error
}

// MemoryStore is a Store that lives in process memory.
type MemoryStore struct {
	mtx        sync.RWMutex // Protects tokens and suppressed
	tokens     map[string]time.Time
	suppressed map[string]time.Time // token -> expiry

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:     make(map[string]time.Time),
		suppressed: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Add registers a token. Adding a token twice is not an error.
func (s *MemoryStore) Add(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.tokens[token]; !ok {
		s.tokens[token] = s.now()
	}
	return nil
}

// Remove forgets a token.
func (s *MemoryStore) Remove(ctx context.Context, token string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.tokens, token)
	return nil
}

// List returns all registered tokens, sorted.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	list := make([]string, 0, len(s.tokens))
	for token := range s.tokens {
		list = append(list, token)
	}
	sort.Strings(list)
	return list, nil
}

// Suppress marks a token as undeliverable until ttl has passed.
func (s *MemoryStore) Suppress(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return ErrEmptyToken
	}
	if ttl <= 0 {
		ttl = defaultSuppressedTTL
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.suppressed[token] = s.now().Add(ttl)
	return nil
}

// IsSuppressed reports whether token is currently suppressed.
func (s *MemoryStore) IsSuppressed(ctx context.Context, token string) (bool, error) {
	s.mtx.RLock()
	expiry, ok := s.suppressed[token]
	s.mtx.RUnlock()
	if !ok {
		return false, nil
	}
	if s.now().Before(expiry) {
		return true, nil
	}

	s.mtx.Lock()
	if expiry, ok := s.suppressed[token]; ok && !s.now().Before(expiry) {
		delete(s.suppressed, token)
	}
	s.mtx.Unlock()
	return false, nil
}

// Close does nothing.
func (s *MemoryStore) Close() error {
	return nil
}
