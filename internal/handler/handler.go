// Package handler routes a classified inbound message to the component that
// owns the patient's current interaction.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/LeventeLantos/pallicare-messaging/internal/intent"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/queue"
	"github.com/LeventeLantos/pallicare-messaging/internal/reminder"
)

var (
	// ErrUnavailable lets a handler decline after accepting; the chain moves
	// on to the next handler that can take the request.
	ErrUnavailable = errors.New("handler: unavailable")
	ErrNoHandler   = errors.New("handler: no handler accepted the request")
)

type InteractionType string

const (
	TypeUnsubscribe    InteractionType = "unsubscribe"
	TypeVerification   InteractionType = "verification_response"
	TypeFollowup       InteractionType = "followup_response"
	TypeGeneralInquiry InteractionType = "general_inquiry"
)

type Request struct {
	Patient *model.Patient
	Message string
	Event   model.InboundEvent
}

type Metadata struct {
	ProcessingTimeMs  int64  `json:"processingTimeMs"`
	Source            string `json:"source,omitempty"`
	Action            string `json:"action,omitempty"`
	EmergencyDetected bool   `json:"emergencyDetected,omitempty"`
	Escalated         bool   `json:"escalated,omitempty"`
}

type Result struct {
	Success  bool
	Message  string
	Handler  InteractionType
	Metadata Metadata
	Err      error
}

type Handler interface {
	Type() InteractionType
	Priority() int
	CanHandle(req *Request) bool
	Handle(ctx context.Context, req *Request) Result
}

type Classifier interface {
	Classify(ctx context.Context, message string, c intent.Context) intent.Result
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*model.QueuedMessage, error)
}

type VerificationMachine interface {
	Accept(ctx context.Context, patientID, response string) error
	Decline(ctx context.Context, patientID, response string) error
	Unsubscribe(ctx context.Context, patientID, response string) error
	RecordResponse(ctx context.Context, patientID, response string) error
}

type ReminderMachine interface {
	ActiveFor(ctx context.Context, patientID string) (*model.Reminder, error)
	Resolve(ctx context.Context, rem *model.Reminder, res intent.Result, text string) (reminder.Outcome, error)
}

// Chain tries handlers in ascending priority order.
type Chain struct {
	handlers []Handler
	notifier *Notifier
}

func NewChain(notifier *Notifier, handlers ...Handler) *Chain {
	hs := append([]Handler(nil), handlers...)
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Priority() < hs[j].Priority() })
	return &Chain{handlers: hs, notifier: notifier}
}

func (c *Chain) Process(ctx context.Context, req *Request) Result {
	start := time.Now()
	res := c.dispatch(ctx, req)

	if term, ok := intent.DetectEmergency(req.Message); ok {
		res.Metadata.EmergencyDetected = true
		if !res.Metadata.Escalated && c.notifier != nil {
			res.Metadata.Escalated = c.notifier.Alert(ctx, req, "emergency: "+term)
		}
	}

	res.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	return res
}

func (c *Chain) dispatch(ctx context.Context, req *Request) Result {
	for _, h := range c.handlers {
		if !h.CanHandle(req) {
			continue
		}

		res := safeHandle(ctx, h, req)
		res.Handler = h.Type()
		if errors.Is(res.Err, ErrUnavailable) {
			slog.Debug("handler unavailable, falling through", "handler", h.Type(), "err", res.Err)
			continue
		}
		if res.Err != nil {
			res.Success = false
		}
		return res
	}
	return Result{Err: ErrNoHandler}
}

func safeHandle(ctx context.Context, h Handler, req *Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic recovered", "handler", h.Type(), "panic", r)
			res = Result{Err: fmt.Errorf("handler %s panicked: %v", h.Type(), r)}
		}
	}()
	return h.Handle(ctx, req)
}
