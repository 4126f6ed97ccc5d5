// Package inbound runs one patient message through deduplication, the
// per-patient lock and the handler chain.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/handler"
	"github.com/LeventeLantos/pallicare-messaging/internal/idempotency"
	"github.com/LeventeLantos/pallicare-messaging/internal/lock"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
)

const DefaultLockTTL = 30 * time.Second

type Deduper interface {
	IsDuplicate(ctx context.Context, key string) bool
	Forget(ctx context.Context, key string)
}

type Dispatcher interface {
	Process(ctx context.Context, req *handler.Request) handler.Result
}

type PatientFinder interface {
	Get(ctx context.Context, id string) (*model.Patient, error)
	FindByPhone(ctx context.Context, phone string) (*model.Patient, error)
}

// Outcome is what the webhook reports back to the gateway.
type Outcome struct {
	Duplicate         bool
	Ignored           bool
	Processed         bool
	Action            string
	Source            string
	Handler           string
	EmergencyDetected bool
}

type Processor struct {
	dedup    Deduper
	patients PatientFinder
	locker   lock.Locker
	lockTTL  time.Duration
	chain    Dispatcher
}

func NewProcessor(dedup Deduper, patients PatientFinder, locker lock.Locker, lockTTL time.Duration, chain Dispatcher) *Processor {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Processor{dedup: dedup, patients: patients, locker: locker, lockTTL: lockTTL, chain: chain}
}

// Process handles ev, which must already carry a normalized phone. A
// returned error wrapping lock.ErrNotAcquired means the patient was busy;
// any other error is a store failure. In both cases the fingerprint is
// forgotten so a redelivery is processed.
func (p *Processor) Process(ctx context.Context, ev model.InboundEvent) (Outcome, error) {
	key := idempotency.Fingerprint(ev)
	if p.dedup.IsDuplicate(ctx, key) {
		slog.Info("duplicate inbound message", "phone", ev.Phone, "external_id", ev.ExternalID)
		return Outcome{Duplicate: true}, nil
	}

	found, err := p.patients.FindByPhone(ctx, ev.Phone)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Info("inbound message from unknown number", "phone", ev.Phone)
		return Outcome{Ignored: true}, nil
	}
	if err != nil {
		p.dedup.Forget(ctx, key)
		return Outcome{}, fmt.Errorf("find patient: %w", err)
	}

	res, err := lock.WithLock(ctx, p.locker, lock.PatientKey(found.ID), p.lockTTL, func(ctx context.Context) (handler.Result, error) {
		// Reload under the lock; the row may have changed while we waited.
		pt, err := p.patients.Get(ctx, found.ID)
		if err != nil {
			return handler.Result{}, fmt.Errorf("reload patient: %w", err)
		}
		res := p.chain.Process(ctx, &handler.Request{Patient: pt, Message: ev.Message, Event: ev})
		return res, res.Err
	})
	if err != nil {
		p.dedup.Forget(ctx, key)
		if errors.Is(err, lock.ErrNotAcquired) {
			slog.Warn("patient busy, asking gateway to retry", "patient_id", found.ID)
			return Outcome{}, err
		}
		slog.Error("inbound processing failed", "patient_id", found.ID, "handler", res.Handler, "err", err)
		return Outcome{}, err
	}

	slog.Info("inbound message processed",
		"patient_id", found.ID,
		"handler", res.Handler,
		"action", res.Metadata.Action,
		"source", res.Metadata.Source,
		"emergency", res.Metadata.EmergencyDetected,
		"duration_ms", res.Metadata.ProcessingTimeMs,
	)

	return Outcome{
		Processed:         res.Success,
		Action:            res.Metadata.Action,
		Source:            res.Metadata.Source,
		Handler:           string(res.Handler),
		EmergencyDetected: res.Metadata.EmergencyDetected,
	}, nil
}
