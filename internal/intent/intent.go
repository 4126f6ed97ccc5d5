// Package intent resolves free-text patient replies into a closed set of
// intents by running classification stages in order until one is confident.
package intent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

type Intent string

const (
	Accept            Intent = "accept"
	Decline           Intent = "decline"
	Unsubscribe       Intent = "unsubscribe"
	MedicationTaken   Intent = "medication_taken"
	MedicationPending Intent = "medication_pending"
	NeedHelp          Intent = "need_help"
	Unclear           Intent = "unclear"
)

// declared is the tie-break order.
var declared = []Intent{Accept, Decline, Unsubscribe, MedicationTaken, MedicationPending, NeedHelp}

func (i Intent) Known() bool {
	if i == Unclear {
		return true
	}
	for _, d := range declared {
		if d == i {
			return true
		}
	}
	return false
}

type Flow string

const (
	FlowGeneral      Flow = "general"
	FlowVerification Flow = "verification"
	FlowMedication   Flow = "medication"
)

// Threshold is the minimum confidence a stage result needs in this flow.
func (f Flow) Threshold() float64 {
	if f == FlowGeneral {
		return 0.5
	}
	return 0.4
}

func (f Flow) expects(i Intent) bool {
	switch f {
	case FlowVerification:
		return i == Accept || i == Decline || i == Unsubscribe
	case FlowMedication:
		return i == MedicationTaken || i == MedicationPending || i == NeedHelp
	}
	return false
}

type Source string

const (
	SourceKeyword  Source = "keyword"
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// Context is the minimal patient state a classifier may consider.
type Context struct {
	Flow               Flow
	PatientName        string
	VerificationStatus model.VerificationStatus
}

type Result struct {
	Intent     Intent             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Evidence   []string           `json:"evidence,omitempty"`
	Source     Source             `json:"source"`
	Entities   map[string]string  `json:"entities,omitempty"`
	Scores     map[Intent]float64 `json:"scores,omitempty"`
}

// ErrBelowThreshold is returned by a stage whose best answer is not
// confident enough. The accompanying Result still carries its scores.
var ErrBelowThreshold = errors.New("intent: below threshold")

type Stage interface {
	Name() string
	Classify(ctx context.Context, message string, c Context) (Result, error)
}

// Cascade tries its stages in order and returns the first confident result,
// or an unclear fallback. It never returns an error.
type Cascade struct {
	stages []Stage
}

func NewCascade(stages ...Stage) *Cascade {
	return &Cascade{stages: stages}
}

func (c *Cascade) Classify(ctx context.Context, message string, cc Context) Result {
	var scores map[Intent]float64

	for _, s := range c.stages {
		if ctx.Err() != nil {
			break
		}
		r, err := s.Classify(ctx, message, cc)
		if err == nil {
			if r.Scores == nil {
				r.Scores = scores
			}
			return r
		}
		if r.Scores != nil && scores == nil {
			scores = r.Scores
		}
		if !errors.Is(err, ErrBelowThreshold) {
			slog.Warn("intent stage failed", "stage", s.Name(), "flow", cc.Flow, "err", err)
		}
	}

	return Result{Intent: Unclear, Confidence: 0, Source: SourceFallback, Scores: scores}
}
