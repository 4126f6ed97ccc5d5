// Package patient owns the verification lifecycle of a patient:
// PENDING -> VERIFIED | DECLINED, unsubscribe, and time-based expiry.
package patient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

var ErrInvalidTransition = errors.New("patient: invalid verification transition")

// Machine applies verification transitions as conditional updates. Callers
// serialize per patient with the patient lock.
type Machine struct {
	patients repo.PatientRepository
	messages repo.MessageRepository
	now      func() time.Time
}

func NewMachine(patients repo.PatientRepository, messages repo.MessageRepository) *Machine {
	return &Machine{patients: patients, messages: messages, now: time.Now}
}

func (m *Machine) Accept(ctx context.Context, patientID, response string) error {
	return m.transition(ctx, patientID, model.VerificationVerified, response)
}

func (m *Machine) Decline(ctx context.Context, patientID, response string) error {
	return m.transition(ctx, patientID, model.VerificationDeclined, response)
}

func (m *Machine) transition(ctx context.Context, patientID string, to model.VerificationStatus, response string) error {
	ok, err := m.patients.TransitionVerification(ctx, patientID, model.VerificationPending, to, response, m.now().UTC())
	if err != nil {
		return fmt.Errorf("verification %s: %w", to, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not PENDING", ErrInvalidTransition, patientID)
	}
	slog.Info("verification updated", "patient_id", patientID, "status", to)
	return nil
}

// Unsubscribe declines and deactivates the patient together with all of its
// reminders, then cancels its pending outbound messages.
func (m *Machine) Unsubscribe(ctx context.Context, patientID, response string) error {
	now := m.now().UTC()

	ok, err := m.patients.Unsubscribe(ctx, patientID, response, now)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is already inactive", ErrInvalidTransition, patientID)
	}

	n, err := m.messages.CancelPendingForPatient(ctx, patientID, "patient unsubscribed", now)
	if err != nil {
		// The patient is already inactive; the worker drops anything left over.
		slog.Warn("cancel pending messages failed", "patient_id", patientID, "err", err)
	}
	slog.Info("patient unsubscribed", "patient_id", patientID, "cancelled_messages", n)
	return nil
}

// RecordResponse stores the latest free-text reply without changing state.
func (m *Machine) RecordResponse(ctx context.Context, patientID, response string) error {
	return m.patients.RecordResponse(ctx, patientID, response, m.now().UTC())
}

// ExpireStale moves PENDING patients whose verification was sent more than
// olderThan ago to EXPIRED.
func (m *Machine) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := m.now().UTC()
	return m.patients.ExpirePending(ctx, now.Add(-olderThan), now)
}
