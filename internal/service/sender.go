package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/LeventeLantos/pallicare-messaging/internal/client"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

var ErrContentTooLong = errors.New("content too long")

type SendClient interface {
	Send(ctx context.Context, phoneNumber, message string) (client.SendResult, error)
}

// Sender delivers one queued message through the gateway.
type Sender struct {
	client     SendClient
	contentMax int

	onSent   func(ctx context.Context, msg *model.QueuedMessage, res client.SendResult) error
	onFailed func(ctx context.Context, msg *model.QueuedMessage, reason string) error
}

func NewSender(client SendClient, contentMax int) *Sender {
	return &Sender{
		client:     client,
		contentMax: contentMax,
	}
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, msg *model.QueuedMessage, res client.SendResult) error,
	onFailed func(ctx context.Context, msg *model.QueuedMessage, reason string) error,
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

func (s *Sender) Send(ctx context.Context, msg *model.QueuedMessage) (client.SendResult, error) {
	if s.contentMax > 0 && utf8.RuneCountInString(msg.Body) > s.contentMax {
		err := fmt.Errorf("%w: exceeds %d chars", ErrContentTooLong, s.contentMax)
		s.fail(ctx, msg, err.Error())
		return client.SendResult{}, err
	}

	res, err := s.client.Send(ctx, msg.PhoneNumber, msg.Body)
	if err != nil {
		s.fail(ctx, msg, err.Error())
		return client.SendResult{}, err
	}

	if s.onSent != nil {
		if err := s.onSent(ctx, msg, res); err != nil {
			slog.Warn("sent hook failed", "id", msg.ID, "err", err)
		}
	}
	return res, nil
}

func (s *Sender) fail(ctx context.Context, msg *model.QueuedMessage, reason string) {
	if s.onFailed != nil {
		if err := s.onFailed(ctx, msg, reason); err != nil {
			slog.Warn("failed hook failed", "id", msg.ID, "err", err)
		}
	}
}
