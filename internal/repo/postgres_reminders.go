package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

const reminderColumns = `id, patient_id, message, confirmation_status, is_active, sent_at,
	external_message_id, delivery_status, confirmation_response, confirmation_at,
	needs_attention, created_at`

type PostgresReminderRepo struct {
	db *sql.DB
}

func NewPostgresReminderRepo(db *sql.DB) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

func (r *PostgresReminderRepo) Insert(ctx context.Context, rem *model.Reminder) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rem.ID, rem.PatientID, rem.Message, string(rem.ConfirmationStatus), rem.IsActive, rem.SentAt,
		nullString(rem.ExternalMessageID), nilIfEmpty(string(rem.DeliveryStatus)),
		nullString(rem.ConfirmationResponse), rem.ConfirmationAt, rem.NeedsAttention, rem.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (r *PostgresReminderRepo) Get(ctx context.Context, id string) (*model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstPostgresReminder(rows)
}

func (r *PostgresReminderRepo) ListByPatient(ctx context.Context, patientID string) ([]model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE patient_id = $1
		ORDER BY created_at ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		rem, err := scanPostgresReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func (r *PostgresReminderRepo) FindLatestOpen(ctx context.Context, patientID string) (*model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE patient_id = $1
		  AND is_active = TRUE
		  AND confirmation_status IN ('PENDING', 'SENT')
		ORDER BY sent_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstPostgresReminder(rows)
}

func (r *PostgresReminderRepo) TransitionConfirmation(ctx context.Context, id string, to model.ConfirmationStatus, response string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET confirmation_status = $2,
		    confirmation_response = $3,
		    confirmation_at = $4
		WHERE id = $1 AND confirmation_status IN ('PENDING', 'SENT')
	`, id, string(to), nilIfEmpty(response), at)
	if err != nil {
		return false, fmt.Errorf("transition reminder: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresReminderRepo) MarkSent(ctx context.Context, id, externalMessageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET confirmation_status = 'SENT', sent_at = $3, external_message_id = $2
		WHERE id = $1 AND confirmation_status = 'PENDING'
	`, id, nilIfEmpty(externalMessageID), at)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresReminderRepo) FlagAttention(ctx context.Context, id, response string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET needs_attention = TRUE, confirmation_response = $2, confirmation_at = $3
		WHERE id = $1
	`, id, response, at)
	if err != nil {
		return fmt.Errorf("flag reminder: %w", err)
	}
	return nil
}

func (r *PostgresReminderRepo) ApplyDelivery(ctx context.Context, externalMessageID string, status model.DeliveryStatus) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET delivery_status = $2,
		    confirmation_status = CASE
		        WHEN $2::text = 'FAILED' AND confirmation_status IN ('PENDING', 'SENT') THEN 'FAILED'
		        ELSE confirmation_status
		    END
		WHERE external_message_id = $1
	`, externalMessageID, string(status))
	if err != nil {
		return 0, fmt.Errorf("apply reminder delivery: %w", err)
	}
	return rowsChanged(res)
}

func (r *PostgresReminderRepo) ExpireSent(ctx context.Context, sentBefore, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET confirmation_status = 'MISSED', confirmation_at = $2
		WHERE confirmation_status = 'SENT' AND sent_at < $1
	`, sentBefore, at)
	if err != nil {
		return 0, fmt.Errorf("expire sent reminders: %w", err)
	}
	return rowsChanged(res)
}

func firstPostgresReminder(rows *sql.Rows) (*model.Reminder, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	rem, err := scanPostgresReminder(rows)
	if err != nil {
		return nil, err
	}
	return &rem, nil
}

func scanPostgresReminder(rows *sql.Rows) (model.Reminder, error) {
	var rem model.Reminder
	var status string
	var sentAt, confAt sql.NullTime
	var extID, delivery, confResp sql.NullString

	if err := rows.Scan(
		&rem.ID, &rem.PatientID, &rem.Message, &status, &rem.IsActive, &sentAt,
		&extID, &delivery, &confResp, &confAt,
		&rem.NeedsAttention, &rem.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rem, ErrNotFound
		}
		return rem, fmt.Errorf("scan reminder: %w", err)
	}

	rem.ConfirmationStatus = model.ConfirmationStatus(status)
	rem.SentAt = timePtr(sentAt)
	rem.ExternalMessageID = strPtr(extID)
	rem.DeliveryStatus = model.DeliveryStatus(delivery.String)
	rem.ConfirmationResponse = strPtr(confResp)
	rem.ConfirmationAt = timePtr(confAt)
	return rem, nil
}
