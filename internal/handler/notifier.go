package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/queue"
)

// Notifier enqueues outbound replies. Enqueue failures are logged and never
// undo the state change that triggered the reply.
type Notifier struct {
	queue          Enqueuer
	volunteerPhone string
}

func NewNotifier(q Enqueuer, volunteerPhone string) *Notifier {
	return &Notifier{queue: q, volunteerPhone: volunteerPhone}
}

// Reply queues body for the patient and reports whether it was queued.
func (n *Notifier) Reply(ctx context.Context, p *model.Patient, body string, t model.MessageType, pr model.Priority) bool {
	_, err := n.queue.Enqueue(ctx, queue.EnqueueRequest{
		PatientID:   p.ID,
		PhoneNumber: p.PhoneNumber,
		Body:        body,
		Priority:    pr,
		MessageType: t,
	})
	if err != nil {
		slog.Warn("reply enqueue failed", "patient_id", p.ID, "type", t, "err", err)
		return false
	}
	return true
}

// Alert sends an urgent message about the patient to the volunteer on duty.
func (n *Notifier) Alert(ctx context.Context, req *Request, reason string) bool {
	if n.volunteerPhone == "" {
		slog.Warn("escalation skipped: no volunteer phone configured", "patient_id", req.Patient.ID, "reason", reason)
		return false
	}

	body := fmt.Sprintf(volunteerAlertTemplate, req.Patient.Name, req.Patient.PhoneNumber, reason, req.Message)
	_, err := n.queue.Enqueue(ctx, queue.EnqueueRequest{
		PatientID:   req.Patient.ID,
		PhoneNumber: n.volunteerPhone,
		Body:        body,
		Priority:    model.PriorityUrgent,
		MessageType: model.TypeVolunteerAlert,
	})
	if err != nil {
		slog.Error("volunteer alert enqueue failed", "patient_id", req.Patient.ID, "err", err)
		return false
	}

	slog.Warn("patient escalated to volunteer", "patient_id", req.Patient.ID, "reason", reason)
	return true
}
