package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresLockRepo struct {
	db *sql.DB
}

func NewPostgresLockRepo(db *sql.DB) *PostgresLockRepo {
	return &PostgresLockRepo{db: db}
}

func (r *PostgresLockRepo) TryInsert(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO distributed_locks (resource_key, owner, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_key) DO NOTHING
	`, key, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresLockRepo) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM distributed_locks WHERE resource_key = $1 AND expires_at <= $2
	`, key, now)
	if err != nil {
		return false, fmt.Errorf("delete stale lock: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresLockRepo) Delete(ctx context.Context, key, owner string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM distributed_locks WHERE resource_key = $1 AND owner = $2
	`, key, owner)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresLockRepo) DeleteAllExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM distributed_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap locks: %w", err)
	}
	return rowsChanged(res)
}

type PostgresDedupRepo struct {
	db *sql.DB
}

func NewPostgresDedupRepo(db *sql.DB) *PostgresDedupRepo {
	return &PostgresDedupRepo{db: db}
}

func (r *PostgresDedupRepo) Claim(ctx context.Context, fingerprint string, now, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO inbound_dedup (fingerprint, received_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE
		SET received_at = EXCLUDED.received_at, expires_at = EXCLUDED.expires_at
		WHERE inbound_dedup.expires_at <= EXCLUDED.received_at
	`, fingerprint, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresDedupRepo) Delete(ctx context.Context, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("dedup delete: %w", err)
	}
	return nil
}

func (r *PostgresDedupRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("dedup purge: %w", err)
	}
	return rowsChanged(res)
}
