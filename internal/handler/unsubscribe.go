package handler

import (
	"context"
	"errors"

	"github.com/LeventeLantos/pallicare-messaging/internal/intent"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/patient"
)

// UnsubscribeHandler takes stop requests in any state, ahead of every other
// interaction.
type UnsubscribeHandler struct {
	machine  VerificationMachine
	notifier *Notifier
}

func NewUnsubscribeHandler(m VerificationMachine, n *Notifier) *UnsubscribeHandler {
	return &UnsubscribeHandler{machine: m, notifier: n}
}

func (h *UnsubscribeHandler) Type() InteractionType { return TypeUnsubscribe }
func (h *UnsubscribeHandler) Priority() int         { return 10 }

func (h *UnsubscribeHandler) CanHandle(req *Request) bool {
	if !req.Patient.IsActive || !intent.IsUnsubscribeRequest(req.Message) {
		return false
	}
	c := intent.Context{Flow: flowFor(req.Patient)}
	scores, _ := intent.Score(req.Message, c)
	best, conf := intent.Best(scores)
	return best == intent.Unsubscribe && conf >= c.Flow.Threshold()
}

// flowFor is the conversation a patient is in, judged by verification state.
func flowFor(p *model.Patient) intent.Flow {
	switch p.VerificationStatus {
	case model.VerificationPending:
		return intent.FlowVerification
	case model.VerificationVerified:
		return intent.FlowMedication
	default:
		return intent.FlowGeneral
	}
}

func (h *UnsubscribeHandler) Handle(ctx context.Context, req *Request) Result {
	meta := Metadata{Source: string(intent.SourceKeyword), Action: "unsubscribed"}

	err := h.machine.Unsubscribe(ctx, req.Patient.ID, req.Message)
	if errors.Is(err, patient.ErrInvalidTransition) {
		meta.Action = "already_unsubscribed"
		return Result{Success: true, Metadata: meta}
	}
	if err != nil {
		return Result{Metadata: meta, Err: err}
	}

	h.notifier.Reply(ctx, req.Patient, msgUnsubscribed, model.TypeUnsubscribeConfirm, model.PriorityHigh)
	return Result{Success: true, Message: msgUnsubscribed, Metadata: meta}
}
