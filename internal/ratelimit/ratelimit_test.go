package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "628111")
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}

	ok, retryAfter, err := l.Allow(ctx, "628111")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatalf("expected third call to be limited")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retryAfter within window, got %v", retryAfter)
	}

	// Other numbers have their own window.
	if ok, _, _ := l.Allow(ctx, "628222"); !ok {
		t.Fatalf("expected other key to be allowed")
	}

	mr.FastForward(time.Minute)

	if ok, _, _ := l.Allow(ctx, "628111"); !ok {
		t.Fatalf("expected allowed after window reset")
	}
}

func TestRedisLimiter_ErrorWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	_, _, err := NewRedisLimiter(rdb, 1, time.Minute).Allow(context.Background(), "628111")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatalf("expected first call allowed")
	}

	now = now.Add(20 * time.Second)
	ok, retryAfter, _ := l.Allow(ctx, "a")
	if ok {
		t.Fatalf("expected second call limited")
	}
	if retryAfter != 40*time.Second {
		t.Fatalf("expected retryAfter 40s, got %v", retryAfter)
	}

	now = now.Add(40 * time.Second)
	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatalf("expected allowed in new window")
	}
}

func TestMemoryLimiter_SweepsExpiredWindows(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter(5, time.Second)
	l.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c"} {
		_, _, _ = l.Allow(context.Background(), k)
	}

	now = now.Add(2 * time.Second)
	_, _, _ = l.Allow(context.Background(), "d")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) != 1 {
		t.Fatalf("expected only the fresh window to remain, got %d", len(l.windows))
	}
}
