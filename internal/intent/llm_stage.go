package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LeventeLantos/pallicare-messaging/internal/llm"
)

const llmMinConfidence = 0.6

const classifierSystemPrompt = `Anda adalah pengklasifikasi pesan WhatsApp dari pasien perawatan paliatif di Indonesia.
Klasifikasikan maksud pesan ke salah satu intent berikut:
accept, decline, unsubscribe, medication_taken, medication_pending, need_help, unclear.
Balas HANYA dengan JSON:
{"intent": "<intent>", "confidence": <0..1>, "entities": {"response_type": "positive|negative|neutral"}, "reasoning": "<singkat>"}`

type llmReply struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Reasoning  string         `json:"reasoning"`
}

// LLMStage asks a completion model for a JSON classification.
type LLMStage struct {
	completer llm.Completer
}

func NewLLMStage(c llm.Completer) *LLMStage {
	return &LLMStage{completer: c}
}

func (s *LLMStage) Name() string { return string(SourceLLM) }

func (s *LLMStage) Classify(ctx context.Context, message string, c Context) (Result, error) {
	out, err := s.completer.Complete(ctx, classifierSystemPrompt, userPrompt(message, c))
	if err != nil {
		return Result{}, err
	}

	reply, err := parseReply(out)
	if err != nil {
		return Result{}, err
	}

	r := Result{
		Intent:     Intent(reply.Intent),
		Confidence: reply.Confidence,
		Source:     SourceLLM,
		Entities:   stringEntities(reply.Entities),
	}
	if reply.Reasoning != "" {
		r.Evidence = []string{reply.Reasoning}
	}

	if c.Flow == FlowVerification {
		switch r.Entities["response_type"] {
		case "positive":
			r.Intent = Accept
		case "negative":
			if r.Intent != Unsubscribe {
				r.Intent = Decline
			}
		}
	}

	if r.Intent == Unclear || r.Confidence < llmMinConfidence {
		return r, ErrBelowThreshold
	}
	return r, nil
}

func userPrompt(message string, c Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Konteks: %s\n", c.Flow)
	if c.PatientName != "" {
		fmt.Fprintf(&b, "Nama pasien: %s\n", c.PatientName)
	}
	if c.VerificationStatus != "" {
		fmt.Fprintf(&b, "Status verifikasi: %s\n", c.VerificationStatus)
	}
	fmt.Fprintf(&b, "Pesan: %q", message)
	return b.String()
}

func parseReply(out string) (llmReply, error) {
	var reply llmReply

	s := strings.TrimSpace(out)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}

	if err := json.Unmarshal([]byte(s), &reply); err != nil {
		return reply, fmt.Errorf("malformed classifier reply: %w", err)
	}
	reply.Intent = strings.ToLower(strings.TrimSpace(reply.Intent))
	if reply.Intent == "other" {
		reply.Intent = string(Unclear)
	}
	if !Intent(reply.Intent).Known() {
		return reply, fmt.Errorf("unknown intent %q", reply.Intent)
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return reply, fmt.Errorf("confidence %v out of range", reply.Confidence)
	}
	return reply, nil
}

func stringEntities(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = strings.ToLower(s)
		}
	}
	return out
}

// New builds the standard cascade: keywords, then the model when one is
// configured, then the unclear fallback.
func New(c llm.Completer) *Cascade {
	stages := []Stage{KeywordStage{}}
	if c != nil {
		stages = append(stages, NewLLMStage(c))
	}
	return NewCascade(stages...)
}
