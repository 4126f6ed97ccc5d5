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

// SQLite stores timestamps as unix milliseconds so range predicates compare
// numerically.

type SQLiteMessageRepo struct {
	db *sql.DB
}

func NewSQLiteMessageRepo(db *sql.DB) *SQLiteMessageRepo {
	return &SQLiteMessageRepo{db: db}
}

func (r *SQLiteMessageRepo) Insert(ctx context.Context, m *model.QueuedMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.PatientID, m.PhoneNumber, m.Body, string(m.Priority), m.PriorityScore, string(m.MessageType),
		m.RetryCount, m.MaxRetries, string(m.Status), nullString(m.LastError), msPtr(m.NextRetryAt), msPtr(m.ProcessedAt),
		nullString(m.RemoteMessageID), nilIfEmpty(string(m.DeliveryStatus)), ms(m.CreatedAt), ms(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queued message: %w", err)
	}
	return nil
}

func (r *SQLiteMessageRepo) ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		UPDATE message_queue
		SET status = 'processing', updated_at = ?
		WHERE id IN (
			SELECT id FROM message_queue
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY priority_score ASC, created_at ASC
			LIMIT ?
		)
		RETURNING `+queueColumns, ms(now), ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var msgs []model.QueuedMessage
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].PriorityScore != msgs[j].PriorityScore {
			return msgs[i].PriorityScore < msgs[j].PriorityScore
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (r *SQLiteMessageRepo) MarkCompleted(ctx context.Context, id, remoteMessageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'completed', processed_at = ?, remote_message_id = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, ms(at), nilIfEmpty(remoteMessageID), ms(at), id)
	return err
}

func (r *SQLiteMessageRepo) ScheduleRetry(ctx context.Context, id, errMsg string, nextRetryAt, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'pending', retry_count = retry_count + 1, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, errMsg, ms(nextRetryAt), ms(at), id)
	return err
}

func (r *SQLiteMessageRepo) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'failed', last_error = ?, processed_at = ?, updated_at = ?
		WHERE id = ?
	`, errMsg, ms(at), ms(at), id)
	return err
}

func (r *SQLiteMessageRepo) Defer(ctx context.Context, id string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'pending', next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, ms(until), ms(time.Now()), id)
	return err
}

func (r *SQLiteMessageRepo) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'pending', updated_at = ?
		WHERE status = 'processing' AND updated_at < ?
	`, ms(time.Now()), ms(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("requeue stale messages: %w", err)
	}
	return rowsChanged(res)
}

func (r *SQLiteMessageRepo) CancelPendingForPatient(ctx context.Context, patientID, reason string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE patient_id = ? AND status = 'pending'
		  AND message_type NOT IN ('unsubscribe_confirmation', 'volunteer_alert')
	`, reason, ms(at), patientID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending messages: %w", err)
	}
	return rowsChanged(res)
}

func (r *SQLiteMessageRepo) UpdateDeliveryStatus(ctx context.Context, remoteMessageID string, status model.DeliveryStatus) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_queue SET delivery_status = ?, updated_at = ? WHERE remote_message_id = ?
	`, string(status), ms(time.Now()), remoteMessageID)
	if err != nil {
		return 0, fmt.Errorf("update delivery status: %w", err)
	}
	return rowsChanged(res)
}

func (r *SQLiteMessageRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SQLiteMessageRepo) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
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

func scanSQLiteMessage(rows *sql.Rows) (model.QueuedMessage, error) {
	var m model.QueuedMessage
	var priority, msgType, status string
	var lastErr, remoteID, delivery sql.NullString
	var nextRetry, processedAt sql.NullInt64
	var createdAt, updatedAt int64

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
		&createdAt,
		&updatedAt,
	); err != nil {
		return m, fmt.Errorf("scan queued message: %w", err)
	}

	m.Priority = model.Priority(priority)
	m.MessageType = model.MessageType(msgType)
	m.Status = model.Status(status)
	m.LastError = strPtr(lastErr)
	m.NextRetryAt = fromNullMs(nextRetry)
	m.ProcessedAt = fromNullMs(processedAt)
	m.RemoteMessageID = strPtr(remoteID)
	m.DeliveryStatus = model.DeliveryStatus(delivery.String)
	m.CreatedAt = fromMs(createdAt)
	m.UpdatedAt = fromMs(updatedAt)
	return m, nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
