// Package queue is the durable, priority-ordered outbound message queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

var ErrPatientInactive = errors.New("queue: patient inactive")

const (
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = time.Hour
	DefaultMaxRetries = 3
)

type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Exempt reports whether t may be queued for an inactive patient.
func Exempt(t model.MessageType) bool {
	return t == model.TypeUnsubscribeConfirm || t == model.TypeVolunteerAlert
}

type EnqueueRequest struct {
	PatientID   string
	PhoneNumber string
	Body        string
	Priority    model.Priority
	MessageType model.MessageType
	// MaxRetries overrides the queue default when > 0.
	MaxRetries int
}

type Stats struct {
	Pending         int64   `json:"pending"`
	Processing      int64   `json:"processing"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Processed       int64   `json:"processed"`
	Retried         int64   `json:"retried"`
	DeadLettered    int64   `json:"deadLettered"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

type Queue struct {
	messages repo.MessageRepository
	patients repo.PatientRepository
	cfg      Config
	now      func() time.Time

	mu           sync.Mutex
	processed    int64
	retried      int64
	deadLettered int64
	avgMs        float64
}

func New(messages repo.MessageRepository, patients repo.PatientRepository, cfg Config) *Queue {
	return &Queue{
		messages: messages,
		patients: patients,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*model.QueuedMessage, error) {
	if req.PatientID == "" || req.PhoneNumber == "" || req.Body == "" {
		return nil, errors.New("enqueue: patient id, phone number and body are required")
	}
	if !req.Priority.Valid() {
		req.Priority = model.PriorityMedium
	}

	if !Exempt(req.MessageType) {
		p, err := q.patients.Get(ctx, req.PatientID)
		if err != nil {
			return nil, fmt.Errorf("enqueue: load patient: %w", err)
		}
		if !p.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrPatientInactive, req.PatientID)
		}
	}

	maxRetries := q.cfg.MaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	now := q.now().UTC()
	msg := &model.QueuedMessage{
		ID:            uuid.NewString(),
		PatientID:     req.PatientID,
		PhoneNumber:   req.PhoneNumber,
		Body:          req.Body,
		Priority:      req.Priority,
		PriorityScore: req.Priority.Score(),
		MessageType:   req.MessageType,
		MaxRetries:    maxRetries,
		Status:        model.Pending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.messages.Insert(ctx, msg); err != nil {
		return nil, err
	}

	slog.Debug("message enqueued", "id", msg.ID, "patient_id", msg.PatientID, "type", msg.MessageType, "priority", msg.Priority)
	return msg, nil
}

// Dequeue claims up to n due messages, most urgent first.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]model.QueuedMessage, error) {
	return q.messages.ClaimPending(ctx, n, q.now().UTC())
}

func (q *Queue) MarkProcessed(ctx context.Context, msg *model.QueuedMessage, remoteID string, took time.Duration) error {
	if err := q.messages.MarkCompleted(ctx, msg.ID, remoteID, q.now().UTC()); err != nil {
		return fmt.Errorf("mark processed %s: %w", msg.ID, err)
	}

	q.mu.Lock()
	q.processed++
	q.avgMs += (float64(took.Milliseconds()) - q.avgMs) / float64(q.processed)
	q.mu.Unlock()
	return nil
}

// Backoff is the delay before retry number retryCount+1.
func (q *Queue) Backoff(retryCount int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	return min(d, q.cfg.MaxDelay)
}

// MarkFailed schedules a retry with capped exponential backoff, or
// dead-letters the message when retries are exhausted or canRetry is false.
func (q *Queue) MarkFailed(ctx context.Context, msg *model.QueuedMessage, cause error, canRetry bool) error {
	now := q.now().UTC()
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	if canRetry && msg.RetryCount < msg.MaxRetries {
		delay := q.Backoff(msg.RetryCount)
		if err := q.messages.ScheduleRetry(ctx, msg.ID, reason, now.Add(delay), now); err != nil {
			return fmt.Errorf("schedule retry %s: %w", msg.ID, err)
		}

		q.mu.Lock()
		q.retried++
		q.mu.Unlock()

		slog.Warn("message send failed, retry scheduled",
			"id", msg.ID, "retry", msg.RetryCount+1, "max_retries", msg.MaxRetries, "delay", delay.String(), "err", reason)
		return nil
	}

	if err := q.messages.MarkFailed(ctx, msg.ID, reason, now); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}

	q.mu.Lock()
	q.deadLettered++
	q.mu.Unlock()

	slog.Error("message dead-lettered", "id", msg.ID, "patient_id", msg.PatientID, "retries", msg.RetryCount, "err", reason)
	return nil
}

// Defer returns a claimed message to pending until the given time without
// consuming a retry.
func (q *Queue) Defer(ctx context.Context, msg *model.QueuedMessage, until time.Time) error {
	return q.messages.Defer(ctx, msg.ID, until.UTC())
}

// RecoverStale requeues messages stuck in processing for longer than olderThan.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.messages.RequeueStale(ctx, q.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("requeued stale messages", "count", n)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.messages.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:         counts[model.Pending],
		Processing:      counts[model.Processing],
		Completed:       counts[model.Completed],
		Failed:          counts[model.Failed],
		Processed:       q.processed,
		Retried:         q.retried,
		DeadLettered:    q.deadLettered,
		AvgProcessingMs: q.avgMs,
	}, nil
}

func (q *Queue) List(ctx context.Context, status model.Status, limit, offset int) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return q.messages.ListByStatus(ctx, status, limit, offset)
}
