package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

// SQLLocker implements leases as rows in distributed_locks, relying on the
// primary key for atomic insert-if-absent.
type SQLLocker struct {
	locks repo.LockRepository
	opts  Options
	now   func() time.Time
}

func NewSQLLocker(locks repo.LockRepository, opts Options) *SQLLocker {
	return &SQLLocker{locks: locks, opts: opts.withDefaults(), now: time.Now}
}

func (l *SQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{Key: key, Token: newToken()}

	err := retry(ctx, l.opts, func() (bool, error) {
		now := l.now().UTC()
		lease.ExpiresAt = now.Add(ttl)

		ok, err := l.locks.TryInsert(ctx, key, lease.Token, lease.ExpiresAt, now)
		if err != nil || ok {
			return ok, err
		}

		// Held. Take over only if the holder's lease has run out.
		stale, err := l.locks.DeleteExpired(ctx, key, now)
		if err != nil || !stale {
			return false, err
		}
		slog.Info("reclaimed expired lock", "key", key)
		return l.locks.TryInsert(ctx, key, lease.Token, lease.ExpiresAt, now)
	})
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return lease, nil
}

func (l *SQLLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	ok, err := l.locks.Delete(ctx, lease.Key, lease.Token)
	if err != nil {
		return err
	}
	if !ok {
		slog.Debug("lock already released or taken over", "key", lease.Key)
	}
	return nil
}

// Reap deletes every expired lease row.
func (l *SQLLocker) Reap(ctx context.Context) (int64, error) {
	return l.locks.DeleteAllExpired(ctx, l.now().UTC())
}
