package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

type SQLiteReminderRepo struct {
	db *sql.DB
}

func NewSQLiteReminderRepo(db *sql.DB) *SQLiteReminderRepo {
	return &SQLiteReminderRepo{db: db}
}

func (r *SQLiteReminderRepo) Insert(ctx context.Context, rem *model.Reminder) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rem.ID, rem.PatientID, rem.Message, string(rem.ConfirmationStatus), boolInt(rem.IsActive), msPtr(rem.SentAt),
		nullString(rem.ExternalMessageID), nilIfEmpty(string(rem.DeliveryStatus)),
		nullString(rem.ConfirmationResponse), msPtr(rem.ConfirmationAt), boolInt(rem.NeedsAttention), ms(rem.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (r *SQLiteReminderRepo) Get(ctx context.Context, id string) (*model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstSQLiteReminder(rows)
}

func (r *SQLiteReminderRepo) ListByPatient(ctx context.Context, patientID string) ([]model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE patient_id = ?
		ORDER BY created_at ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		rem, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func (r *SQLiteReminderRepo) FindLatestOpen(ctx context.Context, patientID string) (*model.Reminder, error) {
	// SQLite sorts NULL first ascending and last descending, matching NULLS LAST here.
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE patient_id = ?
		  AND is_active = 1
		  AND confirmation_status IN ('PENDING', 'SENT')
		ORDER BY sent_at DESC, created_at DESC
		LIMIT 1
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstSQLiteReminder(rows)
}

func (r *SQLiteReminderRepo) TransitionConfirmation(ctx context.Context, id string, to model.ConfirmationStatus, response string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET confirmation_status = ?, confirmation_response = ?, confirmation_at = ?
		WHERE id = ? AND confirmation_status IN ('PENDING', 'SENT')
	`, string(to), nilIfEmpty(response), ms(at), id)
	if err != nil {
		return false, fmt.Errorf("transition reminder: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLiteReminderRepo) MarkSent(ctx context.Context, id, externalMessageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET confirmation_status = 'SENT', sent_at = ?, external_message_id = ?
		WHERE id = ? AND confirmation_status = 'PENDING'
	`, ms(at), nilIfEmpty(externalMessageID), id)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLiteReminderRepo) FlagAttention(ctx context.Context, id, response string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET needs_attention = 1, confirmation_response = ?, confirmation_at = ?
		WHERE id = ?
	`, response, ms(at), id)
	if err != nil {
		return fmt.Errorf("flag reminder: %w", err)
	}
	return nil
}

func (r *SQLiteReminderRepo) ApplyDelivery(ctx context.Context, externalMessageID string, status model.DeliveryStatus) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET delivery_status = ?1,
		    confirmation_status = CASE
		        WHEN ?1 = 'FAILED' AND confirmation_status IN ('PENDING', 'SENT') THEN 'FAILED'
		        ELSE confirmation_status
		    END
		WHERE external_message_id = ?2
	`, string(status), externalMessageID)
	if err != nil {
		return 0, fmt.Errorf("apply reminder delivery: %w", err)
	}
	return rowsChanged(res)
}

func (r *SQLiteReminderRepo) ExpireSent(ctx context.Context, sentBefore, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET confirmation_status = 'MISSED', confirmation_at = ?
		WHERE confirmation_status = 'SENT' AND sent_at < ?
	`, ms(at), ms(sentBefore))
	if err != nil {
		return 0, fmt.Errorf("expire sent reminders: %w", err)
	}
	return rowsChanged(res)
}

func firstSQLiteReminder(rows *sql.Rows) (*model.Reminder, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	rem, err := scanSQLiteReminder(rows)
	if err != nil {
		return nil, err
	}
	return &rem, nil
}

func scanSQLiteReminder(rows *sql.Rows) (model.Reminder, error) {
	var rem model.Reminder
	var status string
	var active, attention, createdAt int64
	var sentAt, confAt sql.NullInt64
	var extID, delivery, confResp sql.NullString

	if err := rows.Scan(
		&rem.ID, &rem.PatientID, &rem.Message, &status, &active, &sentAt,
		&extID, &delivery, &confResp, &confAt,
		&attention, &createdAt,
	); err != nil {
		return rem, fmt.Errorf("scan reminder: %w", err)
	}

	rem.ConfirmationStatus = model.ConfirmationStatus(status)
	rem.IsActive = active != 0
	rem.SentAt = fromNullMs(sentAt)
	rem.ExternalMessageID = strPtr(extID)
	rem.DeliveryStatus = model.DeliveryStatus(delivery.String)
	rem.ConfirmationResponse = strPtr(confResp)
	rem.ConfirmationAt = fromNullMs(confAt)
	rem.NeedsAttention = attention != 0
	rem.CreatedAt = fromMs(createdAt)
	return rem, nil
}
