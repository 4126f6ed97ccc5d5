package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/pallicare-messaging/internal/client"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/queue"
	"github.com/LeventeLantos/pallicare-messaging/internal/ratelimit"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

type Queue interface {
	Dequeue(ctx context.Context, n int) ([]model.QueuedMessage, error)
	MarkProcessed(ctx context.Context, msg *model.QueuedMessage, remoteID string, took time.Duration) error
	MarkFailed(ctx context.Context, msg *model.QueuedMessage, cause error, canRetry bool) error
	Defer(ctx context.Context, msg *model.QueuedMessage, until time.Time) error
}

type WorkerConfig struct {
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
}

type TickResult struct {
	Claimed  int
	Sent     int64
	Failed   int64
	Deferred int64
	Dropped  int64
}

// Worker drains the outbound queue once per scheduler tick.
type Worker struct {
	queue    Queue
	patients repo.PatientRepository
	limiter  ratelimit.Limiter
	sender   *Sender
	cfg      WorkerConfig
	now      func() time.Time
}

// NewWorker builds a worker. limiter may be nil to disable reply rate limiting.
func NewWorker(q Queue, patients repo.PatientRepository, limiter ratelimit.Limiter, sender *Sender, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Worker{queue: q, patients: patients, limiter: limiter, sender: sender, cfg: cfg, now: time.Now}
}

// Tick claims one batch and processes it with bounded concurrency. Once a
// message is claimed its attempt runs to completion even if ctx is cancelled.
func (w *Worker) Tick(ctx context.Context) TickResult {
	var res TickResult
	if ctx.Err() != nil {
		return res
	}

	msgs, err := w.queue.Dequeue(ctx, w.cfg.BatchSize)
	if err != nil {
		slog.Error("dequeue failed", "err", err)
		return res
	}
	res.Claimed = len(msgs)
	if len(msgs) == 0 {
		return res
	}

	detached := context.WithoutCancel(ctx)

	var sent, failed, deferred, dropped atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	for i := range msgs {
		msg := &msgs[i]
		g.Go(func() error {
			switch w.process(detached, msg) {
			case outcomeSent:
				sent.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeDeferred:
				deferred.Add(1)
			case outcomeDropped:
				dropped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Sent, res.Failed, res.Deferred, res.Dropped = sent.Load(), failed.Load(), deferred.Load(), dropped.Load()
	slog.Info("worker tick", "claimed", res.Claimed, "sent", res.Sent, "failed", res.Failed, "deferred", res.Deferred, "dropped", res.Dropped)
	return res
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeDropped
)

func (w *Worker) process(ctx context.Context, msg *model.QueuedMessage) outcome {
	if !queue.Exempt(msg.MessageType) {
		p, err := w.patients.Get(ctx, msg.PatientID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			w.markFailed(ctx, msg, fmt.Errorf("load patient: %w", err), true)
			return outcomeFailed
		}
		if err != nil || !p.IsActive {
			w.markFailed(ctx, msg, queue.ErrPatientInactive, false)
			return outcomeDropped
		}
	}

	if w.limiter != nil && msg.MessageType != model.TypeVolunteerAlert {
		ok, retryAfter, err := w.limiter.Allow(ctx, msg.PhoneNumber)
		switch {
		case err != nil:
			slog.Warn("rate limiter unavailable, sending anyway", "id", msg.ID, "err", err)
		case !ok:
			if err := w.queue.Defer(ctx, msg, w.now().Add(retryAfter)); err != nil {
				slog.Error("defer failed", "id", msg.ID, "err", err)
			}
			slog.Info("reply rate limited", "id", msg.ID, "retry_after", retryAfter.String())
			return outcomeDeferred
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	start := w.now()
	res, err := w.sender.Send(sendCtx, msg)
	if err != nil {
		canRetry := client.Retryable(err) && !errors.Is(err, ErrContentTooLong)
		w.markFailed(ctx, msg, err, canRetry)
		return outcomeFailed
	}

	if err := w.queue.MarkProcessed(ctx, msg, res.MessageID, w.now().Sub(start)); err != nil {
		slog.Error("mark processed failed", "id", msg.ID, "remote_id", res.MessageID, "err", err)
	}
	return outcomeSent
}

func (w *Worker) markFailed(ctx context.Context, msg *model.QueuedMessage, cause error, canRetry bool) {
	if err := w.queue.MarkFailed(ctx, msg, cause, canRetry); err != nil {
		slog.Error("mark failed failed", "id", msg.ID, "err", err)
	}
}
