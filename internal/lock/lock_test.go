package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/pallicare-messaging/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSQLLockers(t *testing.T) (*SQLLocker, *SQLLocker, *clock) {
	t.Helper()
	_, set := testutil.OpenSQLite(t)
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}

	a := NewSQLLocker(set.Locks, Options{Attempts: 3, RetryDelay: time.Millisecond})
	b := NewSQLLocker(set.Locks, Options{Attempts: 3, RetryDelay: time.Millisecond})
	a.now, b.now = c.Now, c.Now
	return a, b, c
}

func TestSQLLocker_ExclusiveUntilReleased(t *testing.T) {
	a, b, _ := newSQLLockers(t)
	ctx := context.Background()

	lease, err := a.Acquire(ctx, "lock:patient:1", time.Minute)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "lock:patient:1", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	other, err := b.Acquire(ctx, "lock:patient:2", time.Minute)
	require.NoError(t, err, "different keys do not contend")
	require.NoError(t, b.Release(ctx, other))

	require.NoError(t, a.Release(ctx, lease))

	_, err = b.Acquire(ctx, "lock:patient:1", time.Minute)
	require.NoError(t, err)
}

func TestSQLLocker_LeaseExpiryAndSafeStaleRelease(t *testing.T) {
	a, b, c := newSQLLockers(t)
	ctx := context.Background()

	first, err := a.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	c.Advance(1100 * time.Millisecond)

	second, err := b.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "expired lease must be reclaimable")
	require.NotEqual(t, first.Token, second.Token)

	// The first holder releasing late must not free the new lease.
	require.NoError(t, a.Release(ctx, first))
	_, err = a.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, b.Release(ctx, second))
}

func TestSQLLocker_Reap(t *testing.T) {
	a, _, c := newSQLLockers(t)
	ctx := context.Background()

	_, err := a.Acquire(ctx, "x", time.Second)
	require.NoError(t, err)
	_, err = a.Acquire(ctx, "y", time.Hour)
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	n, err := a.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSQLLocker_HonorsContext(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	a := NewSQLLocker(set.Locks, Options{Attempts: 5, RetryDelay: time.Hour})
	ctx := context.Background()

	_, err := a.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = a.Acquire(cctx, "k", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestWithLock_ReleasesOnEveryPath(t *testing.T) {
	a, b, _ := newSQLLockers(t)
	ctx := context.Background()

	v, err := WithLock(ctx, a, "k", time.Minute, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = WithLock(ctx, a, "k", time.Minute, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	require.Panics(t, func() {
		_, _ = WithLock(ctx, a, "k", time.Minute, func(context.Context) (int, error) { panic("handler bug") })
	})

	lease, err := b.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "lock must be free after success, error and panic")

	called := false
	_, err = WithLock(ctx, a, "k", time.Minute, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	require.ErrorIs(t, err, ErrNotAcquired)
	require.False(t, called)
	require.NoError(t, b.Release(ctx, lease))
}

func TestWithLock_SerializesConcurrentCallers(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	l := NewSQLLocker(set.Locks, Options{Attempts: 200, RetryDelay: time.Millisecond})
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithLock(ctx, l, "k", time.Minute, func(context.Context) (struct{}, error) {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return struct{}{}, nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestRedisLocker_ExpiryAndCompareAndDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewRedisLocker(rdb, Options{Attempts: 2, RetryDelay: time.Millisecond})
	b := NewRedisLocker(rdb, Options{Attempts: 2, RetryDelay: time.Millisecond})
	ctx := context.Background()

	first, err := a.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, mr.Exists("k"))

	_, err = b.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	mr.FastForward(1100 * time.Millisecond)

	second, err := b.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, first))
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, second.Token, got, "stale release must not delete the new holder's key")

	require.NoError(t, b.Release(ctx, second))
	require.False(t, mr.Exists("k"))
}
