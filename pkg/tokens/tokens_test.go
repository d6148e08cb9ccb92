// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package tokens

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreSuppressionExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.Suppress(ctx, "abc", time.Minute); err != nil {
		t.Fatalf("Suppress: %s", err)
	}
	if suppressed, _ := s.IsSuppressed(ctx, "abc"); !suppressed {
		t.Errorf("Token not suppressed")
	}

	now = now.Add(2 * time.Minute)
	if suppressed, _ := s.IsSuppressed(ctx, "abc"); suppressed {
		t.Errorf("Suppression did not expire")
	}
}

// TestRedisStore runs against a real Redis server, set in ODOORELAY_TEST_REDIS.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ODOORELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("ODOORELAY_TEST_REDIS not set")
	}
	s, err := NewRedisStore(&redis.Options{Addr: addr})
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	defer s.Close()
	ctx := context.Background()
	s.client.Del(ctx, tokensSetKey, suppressedKeyPrefix+"t1")

	testStore(t, s)
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Add(ctx, ""); err != ErrEmptyToken {
		t.Errorf("Adding an empty token returned %v", err)
	}
	for _, token := range []string{"t2", "t1", "t2"} {
		if err := s.Add(ctx, token); err != nil {
			t.Fatalf("Add %s: %s", token, err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if want := []string{"t1", "t2"}; !reflect.DeepEqual(want, list) {
		t.Errorf("List: wanted %v; got %v", want, list)
	}

	if err := s.Remove(ctx, "t2"); err != nil {
		t.Fatalf("Remove: %s", err)
	}
	list, _ = s.List(ctx)
	if want := []string{"t1"}; !reflect.DeepEqual(want, list) {
		t.Errorf("List after remove: wanted %v; got %v", want, list)
	}

	if suppressed, err := s.IsSuppressed(ctx, "t1"); err != nil || suppressed {
		t.Errorf("Fresh token suppressed: %v, %v", suppressed, err)
	}
	if err := s.Suppress(ctx, "t1", time.Hour); err != nil {
		t.Fatalf("Suppress: %s", err)
	}
	if suppressed, err := s.IsSuppressed(ctx, "t1"); err != nil || !suppressed {
		t.Errorf("Suppressed token not reported: %v, %v", suppressed, err)
	}
}
