package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SQLiteLockRepo struct {
	db *sql.DB
}

func NewSQLiteLockRepo(db *sql.DB) *SQLiteLockRepo {
	return &SQLiteLockRepo{db: db}
}

func (r *SQLiteLockRepo) TryInsert(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO distributed_locks (resource_key, owner, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource_key) DO NOTHING
	`, key, owner, ms(expiresAt), ms(now))
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLiteLockRepo) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM distributed_locks WHERE resource_key = ? AND expires_at <= ?
	`, key, ms(now))
	if err != nil {
		return false, fmt.Errorf("delete stale lock: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLiteLockRepo) Delete(ctx context.Context, key, owner string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM distributed_locks WHERE resource_key = ? AND owner = ?
	`, key, owner)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLiteLockRepo) DeleteAllExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM distributed_locks WHERE expires_at <= ?`, ms(now))
	if err != nil {
		return 0, fmt.Errorf("reap locks: %w", err)
	}
	return rowsChanged(res)
}

type SQLiteDedupRepo struct {
	db *sql.DB
}

func NewSQLiteDedupRepo(db *sql.DB) *SQLiteDedupRepo {
	return &SQLiteDedupRepo{db: db}
}

func (r *SQLiteDedupRepo) Claim(ctx context.Context, fingerprint string, now, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO inbound_dedup (fingerprint, received_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE
		SET received_at = excluded.received_at, expires_at = excluded.expires_at
		WHERE inbound_dedup.expires_at <= excluded.received_at
	`, fingerprint, ms(now), ms(expiresAt))
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLiteDedupRepo) Delete(ctx context.Context, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("dedup delete: %w", err)
	}
	return nil
}

func (r *SQLiteDedupRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE expires_at <= ?`, ms(now))
	if err != nil {
		return 0, fmt.Errorf("dedup purge: %w", err)
	}
	return rowsChanged(res)
}
