package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

const queueColumns = `id, patient_id, phone_number, body, priority, priority_score, message_type,
	retry_count, max_retries, status, last_error, next_retry_at, processed_at,
	remote_message_id, delivery_status, created_at, updated_at`

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, m *model.QueuedMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_queue (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		m.ID, m.PatientID, m.PhoneNumber, m.Body, string(m.Priority), m.PriorityScore, string(m.MessageType),
		m.RetryCount, m.MaxRetries, string(m.Status), nullString(m.LastError), m.NextRetryAt, m.ProcessedAt,
		nullString(m.RemoteMessageID), nilIfEmpty(string(m.DeliveryStatus)), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queued message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepo) ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY priority_score ASC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}

	var msgs []model.QueuedMessage
	for rows.Next() {
		m, err := scanPostgresMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_queue
			SET status = 'processing', updated_at = $2
			WHERE id = $1
		`, m.ID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range msgs {
		msgs[i].Status = model.Processing
		msgs[i].UpdatedAt = now
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].PriorityScore != msgs[j].PriorityScore {
			return msgs[i].PriorityScore < msgs[j].PriorityScore
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (r *PostgresMessageRepo) MarkCompleted(ctx context.Context, id, remoteMessageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'completed',
		    processed_at = $3,
		    remote_message_id = $2,
		    last_error = NULL,
		    updated_at = $3
		WHERE id = $1
	`, id, nilIfEmpty(remoteMessageID), at)
	return err
}

func (r *PostgresMessageRepo) ScheduleRetry(ctx context.Context, id, errMsg string, nextRetryAt, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    last_error = $2,
		    next_retry_at = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg, nextRetryAt, at)
	return err
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'failed',
		    last_error = $2,
		    processed_at = $3,
		    updated_at = $3
		WHERE id = $1
	`, id, errMsg, at)
	return err
}

func (r *PostgresMessageRepo) Defer(ctx context.Context, id string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'pending', next_retry_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, until)
	return err
}

func (r *PostgresMessageRepo) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
	`, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale messages: %w", err)
	}
	return rowsChanged(res)
}

func (r *PostgresMessageRepo) CancelPendingForPatient(ctx context.Context, patientID, reason string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'failed', last_error = $2, updated_at = $3
		WHERE patient_id = $1 AND status = 'pending'
		  AND message_type NOT IN ('unsubscribe_confirmation', 'volunteer_alert')
	`, patientID, reason, at)
	if err != nil {
		return 0, fmt.Errorf("cancel pending messages: %w", err)
	}
	return rowsChanged(res)
}

func (r *PostgresMessageRepo) UpdateDeliveryStatus(ctx context.Context, remoteMessageID string, status model.DeliveryStatus) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET delivery_status = $2, updated_at = now()
		WHERE remote_message_id = $1
	`, remoteMessageID, string(status))
	if err != nil {
		return 0, fmt.Errorf("update delivery status: %w", err)
	}
	return rowsChanged(res)
}

func (r *PostgresMessageRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		m, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

func scanPostgresMessage(rows *sql.Rows) (model.QueuedMessage, error) {
	var m model.QueuedMessage
	var priority, msgType, status string
	var lastErr, remoteID, delivery sql.NullString
	var nextRetry, processedAt sql.NullTime

	if err := rows.Scan(
		&m.ID,
		&m.PatientID,
		&m.PhoneNumber,
		&m.Body,
		&priority,
		&m.PriorityScore,
		&msgType,
		&m.RetryCount,
		&m.MaxRetries,
		&status,
		&lastErr,
		&nextRetry,
		&processedAt,
		&remoteID,
		&delivery,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return m, fmt.Errorf("scan queued message: %w", err)
	}

	m.Priority = model.Priority(priority)
	m.MessageType = model.MessageType(msgType)
	m.Status = model.Status(status)
	m.LastError = strPtr(lastErr)
	m.NextRetryAt = timePtr(nextRetry)
	m.ProcessedAt = timePtr(processedAt)
	m.RemoteMessageID = strPtr(remoteID)
	m.DeliveryStatus = model.DeliveryStatus(delivery.String)
	return m, nil
}
