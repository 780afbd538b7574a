package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, 1, time.Minute)
}

func TestTokenBucketExhausts(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 3)

	for i := 0; i < 3; i++ {
		allowed, tokens, err := bucket.Allow(ctx, "ocr:upstream")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if want := float64(3 - i - 1); tokens != want {
			t.Fatalf("call %d left %v tokens, want %v", i, tokens, want)
		}
	}

	allowed, _, err := bucket.Allow(ctx, "ocr:upstream")
	if err != nil {
		t.Fatalf("allow past capacity: %v", err)
	}
	if allowed {
		t.Fatal("call past capacity should be rejected")
	}

	// Refill cannot be exercised with miniredis.FastForward because the Lua
	// script takes its clock from Go, not from Redis.
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1)

	if allowed, _, _ := bucket.Allow(ctx, "ocr:upstream-a"); !allowed {
		t.Fatal("first key should have a token")
	}
	if allowed, _, _ := bucket.Allow(ctx, "ocr:upstream-a"); allowed {
		t.Fatal("first key should be exhausted")
	}

	// Draining one key leaves another untouched.
	if allowed, _, _ := bucket.Allow(ctx, "ocr:upstream-b"); !allowed {
		t.Fatal("second key should be unaffected")
	}
}
