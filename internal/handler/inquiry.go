package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/pallicare-messaging/internal/llm"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

const (
	inquiryTimeout  = 8 * time.Second
	maxInquiryReply = 600
)

const inquirySystemPrompt = `Anda adalah asisten WhatsApp layanan pendamping perawatan paliatif di Indonesia.
Jawab singkat, ramah, dan dalam bahasa Indonesia sederhana (maksimal 3 kalimat).
Jangan memberikan diagnosis atau mengubah dosis obat. Untuk pertanyaan medis,
sarankan pasien menghubungi relawan atau tenaga kesehatan.`

// LLMInquiryHandler answers free-form questions with the completion model.
// Any model failure makes it unavailable so the static reply takes over.
type LLMInquiryHandler struct {
	completer llm.Completer
	machine   VerificationMachine
	notifier  *Notifier
	timeout   time.Duration
}

func NewLLMInquiryHandler(c llm.Completer, m VerificationMachine, n *Notifier) *LLMInquiryHandler {
	return &LLMInquiryHandler{completer: c, machine: m, notifier: n, timeout: inquiryTimeout}
}

func (h *LLMInquiryHandler) Type() InteractionType { return TypeGeneralInquiry }
func (h *LLMInquiryHandler) Priority() int         { return 40 }

func (h *LLMInquiryHandler) CanHandle(req *Request) bool {
	return h.completer != nil && req.Patient.IsActive
}

func (h *LLMInquiryHandler) Handle(ctx context.Context, req *Request) Result {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	p := req.Patient
	user := fmt.Sprintf("Nama pasien: %s\nStatus verifikasi: %s\nPesan: %q", p.Name, p.VerificationStatus, req.Message)

	reply, err := h.completer.Complete(ctx, inquirySystemPrompt, user)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	reply = truncate(strings.TrimSpace(reply), maxInquiryReply)

	recordResponse(ctx, h.machine, p, req.Message)
	h.notifier.Reply(ctx, p, reply, model.TypeGeneralReply, model.PriorityLow)
	return Result{Success: true, Message: reply, Metadata: Metadata{Source: "llm", Action: "answered"}}
}

// StaticInquiryHandler is the last resort and accepts every request.
type StaticInquiryHandler struct {
	machine  VerificationMachine
	notifier *Notifier
}

func NewStaticInquiryHandler(m VerificationMachine, n *Notifier) *StaticInquiryHandler {
	return &StaticInquiryHandler{machine: m, notifier: n}
}

func (h *StaticInquiryHandler) Type() InteractionType { return TypeGeneralInquiry }
func (h *StaticInquiryHandler) Priority() int         { return 100 }

func (h *StaticInquiryHandler) CanHandle(*Request) bool { return true }

func (h *StaticInquiryHandler) Handle(ctx context.Context, req *Request) Result {
	p := req.Patient
	meta := Metadata{Source: "fallback", Action: "static_reply"}

	if !p.IsActive {
		meta.Action = "ignored_inactive"
		return Result{Success: true, Metadata: meta}
	}

	reply := fmt.Sprintf(msgGeneralVerified, p.Name)
	if p.VerificationStatus == model.VerificationPending {
		reply = fmt.Sprintf(msgGeneralPending, p.Name)
	}

	recordResponse(ctx, h.machine, p, req.Message)
	h.notifier.Reply(ctx, p, reply, model.TypeGeneralReply, model.PriorityLow)
	return Result{Success: true, Message: reply, Metadata: meta}
}

func recordResponse(ctx context.Context, m VerificationMachine, p *model.Patient, msg string) {
	if err := m.RecordResponse(ctx, p.ID, msg); err != nil {
		slog.Warn("record last response failed", "patient_id", p.ID, "err", err)
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
