package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

const patientColumns = `id, name, phone_number, verification_status, is_active,
	verification_sent_at, verification_response_at, verification_message,
	last_response, last_response_at, created_at, updated_at`

type PostgresPatientRepo struct {
	db *sql.DB
}

func NewPostgresPatientRepo(db *sql.DB) *PostgresPatientRepo {
	return &PostgresPatientRepo{db: db}
}

func (r *PostgresPatientRepo) Insert(ctx context.Context, p *model.Patient) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		p.ID, p.Name, p.PhoneNumber, string(p.VerificationStatus), p.IsActive,
		p.VerificationSentAt, p.VerificationResponseAt, nullString(p.VerificationMessage),
		nullString(p.LastResponse), p.LastResponseAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PostgresPatientRepo) Get(ctx context.Context, id string) (*model.Patient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPostgresPatient(row)
}

func (r *PostgresPatientRepo) FindByPhone(ctx context.Context, phone string) (*model.Patient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE phone_number = $1`, phone)
	return scanPostgresPatient(row)
}

func (r *PostgresPatientRepo) TransitionVerification(ctx context.Context, id string, from, to model.VerificationStatus, response string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients
		SET verification_status = $3,
		    verification_response_at = $5,
		    verification_message = $4,
		    last_response = $4,
		    last_response_at = $5,
		    updated_at = $5
		WHERE id = $1 AND verification_status = $2
	`, id, string(from), string(to), response, at)
	if err != nil {
		return false, fmt.Errorf("transition verification: %w", err)
	}
	n, err := rowsChanged(res)
	return n > 0, err
}

func (r *PostgresPatientRepo) Unsubscribe(ctx context.Context, id, response string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE patients
		SET verification_status = 'DECLINED',
		    is_active = FALSE,
		    verification_response_at = $3,
		    verification_message = $2,
		    last_response = $2,
		    last_response_at = $3,
		    updated_at = $3
		WHERE id = $1 AND is_active = TRUE
	`, id, response, at)
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

	if _, err := tx.ExecContext(ctx, `UPDATE reminders SET is_active = FALSE WHERE patient_id = $1`, id); err != nil {
		return false, fmt.Errorf("deactivate reminders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresPatientRepo) RecordResponse(ctx context.Context, id, response string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE patients SET last_response = $2, last_response_at = $3, updated_at = $3 WHERE id = $1
	`, id, response, at)
	return err
}

func (r *PostgresPatientRepo) ExpirePending(ctx context.Context, sentBefore, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients
		SET verification_status = 'EXPIRED', updated_at = $2
		WHERE verification_status = 'PENDING'
		  AND verification_sent_at IS NOT NULL
		  AND verification_sent_at < $1
	`, sentBefore, at)
	if err != nil {
		return 0, fmt.Errorf("expire pending verifications: %w", err)
	}
	return rowsChanged(res)
}

func scanPostgresPatient(row *sql.Row) (*model.Patient, error) {
	var p model.Patient
	var status string
	var sentAt, respAt, lastAt sql.NullTime
	var verMsg, lastResp sql.NullString

	err := row.Scan(
		&p.ID, &p.Name, &p.PhoneNumber, &status, &p.IsActive,
		&sentAt, &respAt, &verMsg,
		&lastResp, &lastAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}

	p.VerificationStatus = model.VerificationStatus(status)
	p.VerificationSentAt = timePtr(sentAt)
	p.VerificationResponseAt = timePtr(respAt)
	p.VerificationMessage = strPtr(verMsg)
	p.LastResponse = strPtr(lastResp)
	p.LastResponseAt = timePtr(lastAt)
	return &p, nil
}
