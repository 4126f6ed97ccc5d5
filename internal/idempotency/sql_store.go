package idempotency

import (
	"context"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

// SQLStore keeps fingerprints in the inbound_dedup table. Expired rows are
// taken over on claim and removed by Purge.
type SQLStore struct {
	dedup repo.DedupRepository
	now   func() time.Time
}

func NewSQLStore(dedup repo.DedupRepository) *SQLStore {
	return &SQLStore{dedup: dedup, now: time.Now}
}

func (s *SQLStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	return s.dedup.Claim(ctx, key, now, now.Add(ttl))
}

func (s *SQLStore) Release(ctx context.Context, key string) error {
	return s.dedup.Delete(ctx, key)
}

func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	return s.dedup.PurgeExpired(ctx, s.now().UTC())
}
