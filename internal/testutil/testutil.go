// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

// OpenSQLite returns a migrated SQLite database under t.TempDir and its repositories.
func OpenSQLite(t testing.TB) (*sql.DB, repo.Set) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := repo.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db, repo.NewSQLiteSet(db)
}

// SeedPatient inserts an active patient with the given verification status.
func SeedPatient(t testing.TB, set repo.Set, phone string, status model.VerificationStatus) *model.Patient {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sentAt := now.Add(-time.Hour)
	p := &model.Patient{
		ID:                 uuid.NewString(),
		Name:               "Pasien " + phone,
		PhoneNumber:        phone,
		VerificationStatus: status,
		IsActive:           true,
		VerificationSentAt: &sentAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := set.Patients.Insert(context.Background(), p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

// SeedReminder inserts an active reminder for patientID in the given state.
func SeedReminder(t testing.TB, set repo.Set, patientID string, status model.ConfirmationStatus, sentAt *time.Time) *model.Reminder {
	t.Helper()

	r := &model.Reminder{
		ID:                 uuid.NewString(),
		PatientID:          patientID,
		Message:            "Waktunya minum obat",
		ConfirmationStatus: status,
		IsActive:           true,
		SentAt:             sentAt,
		CreatedAt:          time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := set.Reminders.Insert(context.Background(), r); err != nil {
		t.Fatalf("seed reminder: %v", err)
	}
	return r
}
