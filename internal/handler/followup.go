package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeventeLantos/pallicare-messaging/internal/intent"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/reminder"
)

// FollowupHandler resolves replies to the most recent open medication
// reminder of a verified patient.
type FollowupHandler struct {
	reminders  ReminderMachine
	classifier Classifier
	notifier   *Notifier
}

func NewFollowupHandler(r ReminderMachine, c Classifier, n *Notifier) *FollowupHandler {
	return &FollowupHandler{reminders: r, classifier: c, notifier: n}
}

func (h *FollowupHandler) Type() InteractionType { return TypeFollowup }
func (h *FollowupHandler) Priority() int         { return 30 }

func (h *FollowupHandler) CanHandle(req *Request) bool {
	return req.Patient.IsActive && req.Patient.VerificationStatus == model.VerificationVerified
}

func (h *FollowupHandler) Handle(ctx context.Context, req *Request) Result {
	p := req.Patient

	rem, err := h.reminders.ActiveFor(ctx, p.ID)
	if errors.Is(err, reminder.ErrNoPendingReminder) {
		return Result{Err: fmt.Errorf("%w: no open reminder", ErrUnavailable)}
	}
	if err != nil {
		return Result{Err: err}
	}

	res := h.classifier.Classify(ctx, req.Message, intent.Context{
		Flow:               intent.FlowMedication,
		PatientName:        p.Name,
		VerificationStatus: p.VerificationStatus,
	})
	if res.Intent == intent.Unclear && intent.IsGeneralInquiry(req.Message) {
		return Result{Err: fmt.Errorf("%w: not a reminder answer", ErrUnavailable)}
	}
	res = asMedicationAnswer(res)

	out, err := h.reminders.Resolve(ctx, rem, res, req.Message)
	meta := Metadata{Source: string(res.Source), Action: string(out.Action)}
	if errors.Is(err, reminder.ErrAlreadyResolved) {
		meta.Action = "already_processed"
		return Result{Success: true, Metadata: meta}
	}
	if err != nil {
		return Result{Metadata: meta, Err: err}
	}

	reply, typ, pr := "", model.TypeReminderAck, model.PriorityMedium
	switch out.Action {
	case reminder.ActionConfirmed:
		reply = msgReminderConfirmed
	case reminder.ActionMissed:
		reply = msgReminderMissed
	case reminder.ActionClarification:
		reply, typ = msgReminderClarify, model.TypeClarification
	case reminder.ActionEscalated:
		reply, pr = msgReminderHelp, model.PriorityHigh
		meta.Escalated = h.notifier.Alert(ctx, req, "patient asked for help with medication")
	}

	h.notifier.Reply(ctx, p, reply, typ, pr)
	return Result{Success: true, Message: reply, Metadata: meta}
}

// asMedicationAnswer reads a plain YA as taken and TIDAK as not taken, since
// that is how most patients answer the reminder question.
func asMedicationAnswer(r intent.Result) intent.Result {
	var to intent.Intent
	switch r.Intent {
	case intent.Accept:
		to = intent.MedicationTaken
	case intent.Decline:
		to = intent.MedicationPending
	default:
		return r
	}

	scores := make(map[intent.Intent]float64, len(r.Scores))
	for k, v := range r.Scores {
		scores[k] = v
	}
	scores[intent.MedicationTaken] += scores[intent.Accept]
	scores[intent.MedicationPending] += scores[intent.Decline]
	delete(scores, intent.Accept)
	delete(scores, intent.Decline)

	r.Intent = to
	r.Scores = scores
	return r
}
