// Package lock provides lease-based mutual exclusion keyed by resource id.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrNotAcquired = errors.New("lock: not acquired")

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// Lease is a held lock. Token identifies the holder so a release after
// expiry cannot remove someone else's lease.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

type Options struct {
	Attempts   int
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

func PatientKey(patientID string) string {
	return "lock:patient:" + patientID
}

// WithLock runs fn while holding key. The lease is released on every exit
// path, including a panic in fn, but only if it was acquired.
func WithLock[T any](ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), lease); err != nil {
			slog.Warn("lock release failed", "key", key, "err", err)
		}
	}()

	return fn(ctx)
}

// retry calls try up to attempts times with a fixed delay between calls.
func retry(ctx context.Context, opts Options, try func() (bool, error)) error {
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(opts.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrNotAcquired
}

func newToken() string {
	return uuid.NewString()
}
