// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package tokens

import (
	"context"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	tokensSetKey         = "odoorelay:tokens"
	suppressedKeyPrefix  = "odoorelay:token:suppressed:"
	defaultSuppressedTTL = 24 * time.Hour
)

// RedisStore is a Store backed by Redis,
// so registered tokens survive restarts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis, and makes sure it is reachable.
func NewRedisStore(opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "Redis connection failed")
	}

	return &RedisStore{client: client}, nil
}

// Add registers a token.
func (s *RedisStore) Add(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	return errors.Wrap(s.client.SAdd(ctx, tokensSetKey, token).Err(), "Add token")
}

// Remove forgets a token.
func (s *RedisStore) Remove(ctx context.Context, token string) error {
	return errors.Wrap(s.client.SRem(ctx, tokensSetKey, token).Err(), "Remove token")
}

// List returns all registered tokens, sorted.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	list, err := s.client.SMembers(ctx, tokensSetKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "List tokens")
	}
	sort.Strings(list)
	return list, nil
}

// Suppress marks a token as undeliverable; Redis expires the mark after ttl.
func (s *RedisStore) Suppress(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return ErrEmptyToken
	}
	if ttl <= 0 {
		ttl = defaultSuppressedTTL
	}
	return errors.Wrap(s.client.SetEX(ctx, suppressedKeyPrefix+token, "1", ttl).Err(), "Suppress token")
}

// IsSuppressed reports whether token is currently suppressed.
func (s *RedisStore) IsSuppressed(ctx context.Context, token string) (bool, error) {
	exists, err := s.client.Exists(ctx, suppressedKeyPrefix+token).Result()
	if err != nil {
		return false, errors.Wrap(err, "Check suppressed token")
	}
	return exists == 1, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
