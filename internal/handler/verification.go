package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeventeLantos/pallicare-messaging/internal/intent"
	"github.com/LeventeLantos/pallicare-messaging/internal/llm"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/patient"
)

// VerificationHandler answers the enrolment question for PENDING patients.
// Only short YA/TIDAK style answers are read with keywords. Longer free text
// reaches the verification flow through the model alone, and only when one is
// configured; everything else goes to the inquiry handlers.
type VerificationHandler struct {
	machine  VerificationMachine
	freeText Classifier
	notifier *Notifier
}

// NewVerificationHandler builds the handler. c may be nil, in which case free
// text is never treated as a verification answer.
func NewVerificationHandler(m VerificationMachine, c llm.Completer, n *Notifier) *VerificationHandler {
	h := &VerificationHandler{machine: m, notifier: n}
	if c != nil {
		h.freeText = intent.NewCascade(intent.NewLLMStage(c))
	}
	return h
}

func (h *VerificationHandler) Type() InteractionType { return TypeVerification }
func (h *VerificationHandler) Priority() int         { return 20 }

func (h *VerificationHandler) CanHandle(req *Request) bool {
	if !req.Patient.IsActive || req.Patient.VerificationStatus != model.VerificationPending {
		return false
	}
	if intent.IsActualVerificationResponse(req.Message) {
		return true
	}
	return h.freeText != nil && !intent.IsGeneralInquiry(req.Message)
}

func (h *VerificationHandler) Handle(ctx context.Context, req *Request) Result {
	p := req.Patient
	short := intent.IsActualVerificationResponse(req.Message)
	res := h.classify(ctx, req, short)
	if !short && res.Intent != intent.Accept && res.Intent != intent.Decline {
		return Result{Err: fmt.Errorf("%w: free text is not a verification answer", ErrUnavailable)}
	}
	meta := Metadata{Source: string(res.Source)}

	var (
		err   error
		reply string
	)
	switch res.Intent {
	case intent.Accept:
		meta.Action = "verified"
		err = h.machine.Accept(ctx, p.ID, req.Message)
		reply = fmt.Sprintf(msgVerificationAccepted, p.Name)
	case intent.Decline:
		meta.Action = "declined"
		err = h.machine.Decline(ctx, p.ID, req.Message)
		reply = msgVerificationDeclined
	default:
		meta.Action = "clarification"
		if err := h.machine.RecordResponse(ctx, p.ID, req.Message); err != nil {
			return Result{Metadata: meta, Err: err}
		}
		h.notifier.Reply(ctx, p, msgVerificationUnclear, model.TypeClarification, model.PriorityMedium)
		return Result{Success: true, Message: msgVerificationUnclear, Metadata: meta}
	}

	if errors.Is(err, patient.ErrInvalidTransition) {
		// A concurrent delivery already answered.
		meta.Action = "already_processed"
		return Result{Success: true, Metadata: meta}
	}
	if err != nil {
		return Result{Metadata: meta, Err: err}
	}

	h.notifier.Reply(ctx, p, reply, model.TypeVerificationAck, model.PriorityHigh)
	return Result{Success: true, Message: reply, Metadata: meta}
}

// classify reads short answers with keywords only, and treats a message
// carrying both a YA and a TIDAK token as unclear. Free text goes to the model.
func (h *VerificationHandler) classify(ctx context.Context, req *Request, short bool) intent.Result {
	c := intent.Context{
		Flow:               intent.FlowVerification,
		PatientName:        req.Patient.Name,
		VerificationStatus: req.Patient.VerificationStatus,
	}
	if !short {
		return h.freeText.Classify(ctx, req.Message, c)
	}

	r, err := (intent.KeywordStage{}).Classify(ctx, req.Message, c)
	if err != nil || (r.Scores[intent.Accept] > 0 && r.Scores[intent.Decline] > 0) {
		return intent.Result{Intent: intent.Unclear, Source: intent.SourceKeyword, Scores: r.Scores}
	}
	return r
}
