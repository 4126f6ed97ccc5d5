package idempotency

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

const (
	KeyPrefix  = "webhook:incoming:"
	DefaultTTL = 24 * time.Hour

	// unit separator; cannot appear in normalized webhook fields
	fieldSep = "\x1f"
)

// Store records fingerprints for a retention window.
type Store interface {
	// Claim records key unless it is already held; true means first sight.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Fingerprint hashes the identifying fields of an inbound event. Missing
// fields hash as empty strings.
func Fingerprint(ev model.InboundEvent) string {
	d := xxhash.New()
	_, _ = d.WriteString(ev.ExternalID)
	_, _ = d.WriteString(fieldSep)
	_, _ = d.WriteString(ev.Phone)
	_, _ = d.WriteString(fieldSep)
	_, _ = d.WriteString(ev.Timestamp)
	_, _ = d.WriteString(fieldSep)
	_, _ = d.WriteString(ev.Message)

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], d.Sum64())
	return KeyPrefix + hex.EncodeToString(sum[:])
}

type Guard struct {
	store Store
	ttl   time.Duration
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// IsDuplicate claims key and reports whether it was already seen. It fails
// open: when the store errors the event is treated as new.
func (g *Guard) IsDuplicate(ctx context.Context, key string) bool {
	first, err := g.store.Claim(ctx, key, g.ttl)
	if err != nil {
		slog.Warn("idempotency store unavailable, processing without dedup", "key", key, "err", err)
		return false
	}
	return !first
}

// Forget drops key so a redelivery of the same event is processed again.
func (g *Guard) Forget(ctx context.Context, key string) {
	if err := g.store.Release(ctx, key); err != nil {
		slog.Warn("idempotency forget failed", "key", key, "err", err)
	}
}
