package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

var ErrNotFound = errors.New("repo: not found")

type MessageRepository interface {
	Insert(ctx context.Context, m *model.QueuedMessage) error
	// ClaimPending atomically moves up to limit due pending rows to processing,
	// ordered by priority score then creation time.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.QueuedMessage, error)
	MarkCompleted(ctx context.Context, id, remoteMessageID string, at time.Time) error
	ScheduleRetry(ctx context.Context, id, errMsg string, nextRetryAt, at time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error
	Defer(ctx context.Context, id string, until time.Time) error
	RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error)
	CancelPendingForPatient(ctx context.Context, patientID, reason string, at time.Time) (int64, error)
	UpdateDeliveryStatus(ctx context.Context, remoteMessageID string, status model.DeliveryStatus) (int64, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.QueuedMessage, error)
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
}

type PatientRepository interface {
	Insert(ctx context.Context, p *model.Patient) error
	Get(ctx context.Context, id string) (*model.Patient, error)
	FindByPhone(ctx context.Context, phone string) (*model.Patient, error)
	// TransitionVerification applies from -> to only while the row is still in
	// from. It reports whether the row changed.
	TransitionVerification(ctx context.Context, id string, from, to model.VerificationStatus, response string, at time.Time) (bool, error)
	// Unsubscribe declines and deactivates the patient and all of its reminders
	// in one transaction.
	Unsubscribe(ctx context.Context, id, response string, at time.Time) (bool, error)
	RecordResponse(ctx context.Context, id, response string, at time.Time) error
	ExpirePending(ctx context.Context, sentBefore, at time.Time) (int64, error)
}

type ReminderRepository interface {
	Insert(ctx context.Context, r *model.Reminder) error
	Get(ctx context.Context, id string) (*model.Reminder, error)
	ListByPatient(ctx context.Context, patientID string) ([]model.Reminder, error)
	// FindLatestOpen returns the active PENDING/SENT reminder with the most
	// recent sent_at for the patient.
	FindLatestOpen(ctx context.Context, patientID string) (*model.Reminder, error)
	TransitionConfirmation(ctx context.Context, id string, to model.ConfirmationStatus, response string, at time.Time) (bool, error)
	MarkSent(ctx context.Context, id, externalMessageID string, at time.Time) (bool, error)
	FlagAttention(ctx context.Context, id, response string, at time.Time) error
	ApplyDelivery(ctx context.Context, externalMessageID string, status model.DeliveryStatus) (int64, error)
	ExpireSent(ctx context.Context, sentBefore, at time.Time) (int64, error)
}

type LockRepository interface {
	TryInsert(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error)
	Delete(ctx context.Context, key, owner string) (bool, error)
	DeleteAllExpired(ctx context.Context, now time.Time) (int64, error)
}

type DedupRepository interface {
	// Claim records the fingerprint unless an unexpired row already holds it.
	Claim(ctx context.Context, fingerprint string, now, expiresAt time.Time) (bool, error)
	Delete(ctx context.Context, fingerprint string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Set bundles the repositories of one backing database.
type Set struct {
	Messages  MessageRepository
	Patients  PatientRepository
	Reminders ReminderRepository
	Locks     LockRepository
	Dedup     DedupRepository
}
