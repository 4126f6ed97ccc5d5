package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/postgres.sql
var postgresSchema string

//go:embed migrations/sqlite.sql
var sqliteSchema string

// OpenPostgres opens a pgx-backed *sql.DB and applies the schema.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, db, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("postgres ready")
	return db, nil
}

// OpenSQLite opens a single-connection SQLite database at path and applies the
// schema. SQLite serializes writers, so one connection avoids SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite ready", "path", path)
	return db, nil
}

func NewPostgresSet(db *sql.DB) Set {
	return Set{
		Messages:  NewPostgresMessageRepo(db),
		Patients:  NewPostgresPatientRepo(db),
		Reminders: NewPostgresReminderRepo(db),
		Locks:     NewPostgresLockRepo(db),
		Dedup:     NewPostgresDedupRepo(db),
	}
}

func NewSQLiteSet(db *sql.DB) Set {
	return Set{
		Messages:  NewSQLiteMessageRepo(db),
		Patients:  NewSQLitePatientRepo(db),
		Reminders: NewSQLiteReminderRepo(db),
		Locks:     NewSQLiteLockRepo(db),
		Dedup:     NewSQLiteDedupRepo(db),
	}
}

func migrate(ctx context.Context, db *sql.DB, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func rowsChanged(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
