// Package reminder owns the confirmation lifecycle of a medication reminder:
// PENDING -> SENT -> CONFIRMED | MISSED | FAILED.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/intent"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

var (
	ErrNoPendingReminder = errors.New("reminder: no pending reminder")
	ErrAlreadyResolved   = errors.New("reminder: already resolved")
)

const minConfidence = 0.4

type Action string

const (
	ActionConfirmed     Action = "confirmed"
	ActionMissed        Action = "missed"
	ActionClarification Action = "clarification"
	ActionEscalated     Action = "needs_attention"
)

type Outcome struct {
	Action   Action
	Reminder *model.Reminder
	Status   model.ConfirmationStatus
}

type Machine struct {
	reminders repo.ReminderRepository
	now       func() time.Time
}

func NewMachine(reminders repo.ReminderRepository) *Machine {
	return &Machine{reminders: reminders, now: time.Now}
}

// ActiveFor returns the reminder an inbound reply answers: the most recently
// sent active reminder still PENDING or SENT.
func (m *Machine) ActiveFor(ctx context.Context, patientID string) (*model.Reminder, error) {
	r, err := m.reminders.FindLatestOpen(ctx, patientID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoPendingReminder
	}
	if err != nil {
		return nil, fmt.Errorf("find open reminder: %w", err)
	}
	return r, nil
}

// Resolve applies a classified reply to rem. Ambiguous or weak answers ask
// for clarification and leave the reminder untouched.
func (m *Machine) Resolve(ctx context.Context, rem *model.Reminder, res intent.Result, text string) (Outcome, error) {
	now := m.now().UTC()
	out := Outcome{Reminder: rem, Status: rem.ConfirmationStatus}

	if res.Intent == intent.NeedHelp {
		if err := m.reminders.FlagAttention(ctx, rem.ID, text, now); err != nil {
			return out, err
		}
		out.Action = ActionEscalated
		slog.Warn("reminder flagged for attention", "reminder_id", rem.ID, "patient_id", rem.PatientID)
		return out, nil
	}

	taken := res.Scores[intent.MedicationTaken] > 0
	notTaken := res.Scores[intent.MedicationPending] > 0

	var to model.ConfirmationStatus
	switch {
	case res.Confidence < minConfidence:
	case res.Intent == intent.MedicationTaken && !notTaken:
		to, out.Action = model.ConfirmationConfirmed, ActionConfirmed
	case res.Intent == intent.MedicationPending && !taken:
		to, out.Action = model.ConfirmationMissed, ActionMissed
	}
	if to == "" {
		out.Action = ActionClarification
		return out, nil
	}

	ok, err := m.reminders.TransitionConfirmation(ctx, rem.ID, to, text, now)
	if err != nil {
		return out, fmt.Errorf("resolve reminder: %w", err)
	}
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrAlreadyResolved, rem.ID)
	}

	out.Status = to
	slog.Info("reminder resolved", "reminder_id", rem.ID, "patient_id", rem.PatientID, "status", to)
	return out, nil
}

func (m *Machine) MarkSent(ctx context.Context, reminderID, externalMessageID string) error {
	ok, err := m.reminders.MarkSent(ctx, reminderID, externalMessageID, m.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, reminderID)
	}
	return nil
}

// ApplyDelivery records a gateway delivery receipt. A FAILED receipt fails
// reminders that are still awaiting an answer.
func (m *Machine) ApplyDelivery(ctx context.Context, externalMessageID string, status model.DeliveryStatus) (int64, error) {
	return m.reminders.ApplyDelivery(ctx, externalMessageID, status)
}

// ExpireUnconfirmed marks SENT reminders older than window as MISSED.
func (m *Machine) ExpireUnconfirmed(ctx context.Context, window time.Duration) (int64, error) {
	now := m.now().UTC()
	return m.reminders.ExpireSent(ctx, now.Add(-window), now)
}
