package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

type SQLitePatientRepo struct {
	db *sql.DB
}

func NewSQLitePatientRepo(db *sql.DB) *SQLitePatientRepo {
	return &SQLitePatientRepo{db: db}
}

func (r *SQLitePatientRepo) Insert(ctx context.Context, p *model.Patient) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.PhoneNumber, string(p.VerificationStatus), boolInt(p.IsActive),
		msPtr(p.VerificationSentAt), msPtr(p.VerificationResponseAt), nullString(p.VerificationMessage),
		nullString(p.LastResponse), msPtr(p.LastResponseAt), ms(p.CreatedAt), ms(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *SQLitePatientRepo) Get(ctx context.Context, id string) (*model.Patient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id)
	return scanSQLitePatient(row)
}

func (r *SQLitePatientRepo) FindByPhone(ctx context.Context, phone string) (*model.Patient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE phone_number = ?`, phone)
	return scanSQLitePatient(row)
}

func (r *SQLitePatientRepo) TransitionVerification(ctx context.Context, id string, from, to model.VerificationStatus, response string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients
		SET verification_status = ?,
		    verification_response_at = ?,
		    verification_message = ?,
		    last_response = ?,
		    last_response_at = ?,
		    updated_at = ?
		WHERE id = ? AND verification_status = ?
	`, string(to), ms(at), response, response, ms(at), ms(at), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition verification: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *SQLitePatientRepo) Unsubscribe(ctx context.Context, id, response string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE patients
		SET verification_status = 'DECLINED',
		    is_active = 0,
		    verification_response_at = ?,
		    verification_message = ?,
		    last_response = ?,
		    last_response_at = ?,
		    updated_at = ?
		WHERE id = ? AND is_active = 1
	`, ms(at), response, response, ms(at), ms(at), id)
	if err != nil {
		return false, fmt.Errorf("unsubscribe patient: %w", err)
	}
	n, err := rowsChanged(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE reminders SET is_active = 0 WHERE patient_id = ?`, id); err != nil {
		return false, fmt.Errorf("deactivate reminders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *SQLitePatientRepo) RecordResponse(ctx context.Context, id, response string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE patients SET last_response = ?, last_response_at = ?, updated_at = ? WHERE id = ?
	`, response, ms(at), ms(at), id)
	return err
}

func (r *SQLitePatientRepo) ExpirePending(ctx context.Context, sentBefore, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients
		SET verification_status = 'EXPIRED', updated_at = ?
		WHERE verification_status = 'PENDING'
		  AND verification_sent_at IS NOT NULL
		  AND verification_sent_at < ?
	`, ms(at), ms(sentBefore))
	if err != nil {
		return 0, fmt.Errorf("expire pending verifications: %w", err)
	}
	return rowsChanged(res)
}

func scanSQLitePatient(row *sql.Row) (*model.Patient, error) {
	var p model.Patient
	var status string
	var active int64
	var sentAt, respAt, lastAt sql.NullInt64
	var verMsg, lastResp sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&p.ID, &p.Name, &p.PhoneNumber, &status, &active,
		&sentAt, &respAt, &verMsg,
		&lastResp, &lastAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}

	p.VerificationStatus = model.VerificationStatus(status)
	p.IsActive = active != 0
	p.VerificationSentAt = fromNullMs(sentAt)
	p.VerificationResponseAt = fromNullMs(respAt)
	p.VerificationMessage = strPtr(verMsg)
	p.LastResponse = strPtr(lastResp)
	p.LastResponseAt = fromNullMs(lastAt)
	p.CreatedAt = fromMs(createdAt)
	p.UpdatedAt = fromMs(updatedAt)
	return &p, nil
}
