package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, 10*time.Second)
	ctx := context.Background()

	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	receipt := SentReceipt{QueuedID: "q-42", PatientID: "p-1", MessageType: "reminder_ack", SentAt: sentAt}

	if err := cache.StoreSent(ctx, "wa-123", receipt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "msg:sent:wa-123"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got SentReceipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.QueuedID != "q-42" || got.PatientID != "p-1" {
		t.Fatalf("unexpected receipt %+v", got)
	}
	if got.SentAt.Location() != time.UTC || !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v in UTC, got %v", sentAt.UTC(), got.SentAt)
	}
}

func TestRedisCache_LookupSent(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, found, err := cache.LookupSent(ctx, "missing"); err != nil || found {
		t.Fatalf("expected miss without error, got found=%v err=%v", found, err)
	}

	if err := cache.StoreSent(ctx, "wa-1", SentReceipt{QueuedID: "first", SentAt: time.Now()}); err != nil {
		t.Fatalf("first StoreSent() error: %v", err)
	}
	if err := cache.StoreSent(ctx, "wa-1", SentReceipt{QueuedID: "second", SentAt: time.Now()}); err != nil {
		t.Fatalf("second StoreSent() error: %v", err)
	}

	got, found, err := cache.LookupSent(ctx, "wa-1")
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if got.QueuedID != "second" {
		t.Fatalf("expected overwritten QueuedID %q, got %q", "second", got.QueuedID)
	}

	mr.FastForward(time.Minute)
	if _, found, _ := cache.LookupSent(ctx, "wa-1"); found {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisCache_StoreSent_RequiresRemoteID(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Second)
	if err := cache.StoreSent(context.Background(), "", SentReceipt{}); err == nil {
		t.Fatalf("expected error for empty remote id, got nil")
	}
}

func TestRedisCache_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreSent(ctx, "x", SentReceipt{SentAt: time.Now()}); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}
