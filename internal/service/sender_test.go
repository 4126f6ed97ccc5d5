package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/LeventeLantos/pallicare-messaging/internal/client"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/service"
)

func TestSender_CallsSentHookOn202(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":   "Accepted",
			"messageId": "67f2f8a8-ea58-4ed0-a6f9-ff217df4d849",
		})
	}))
	t.Cleanup(srv.Close)

	sender := service.NewSender(client.NewWebhookClient(srv.URL, ""), 160)

	var (
		mu        sync.Mutex
		sentIDs   []string
		remoteIDs []string
	)

	sender.WithHooks(
		func(ctx context.Context, msg *model.QueuedMessage, res client.SendResult) error {
			mu.Lock()
			defer mu.Unlock()
			sentIDs = append(sentIDs, msg.ID)
			remoteIDs = append(remoteIDs, res.MessageID)
			return nil
		},
		func(ctx context.Context, msg *model.QueuedMessage, reason string) error {
			t.Errorf("did not expect failure hook, got id=%s reason=%s", msg.ID, reason)
			return nil
		},
	)

	res, err := sender.Send(context.Background(), &model.QueuedMessage{ID: "q-1", PhoneNumber: "6281234567", Body: "halo"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.MessageID == "" {
		t.Fatalf("expected remote messageId")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(sentIDs) != 1 || sentIDs[0] != "q-1" {
		t.Fatalf("expected sent hook for id=q-1, got %+v", sentIDs)
	}
	if len(remoteIDs) != 1 || remoteIDs[0] != res.MessageID {
		t.Fatalf("expected remote messageId in hook, got %+v", remoteIDs)
	}
}

func TestSender_FailsWhenContentTooLong(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	sender := service.NewSender(fc, 3)

	var reasons []string
	sender.WithHooks(
		func(ctx context.Context, msg *model.QueuedMessage, res client.SendResult) error {
			t.Errorf("did not expect sent hook")
			return nil
		},
		func(ctx context.Context, msg *model.QueuedMessage, reason string) error {
			reasons = append(reasons, reason)
			return nil
		},
	)

	_, err := sender.Send(context.Background(), &model.QueuedMessage{ID: "q-10", PhoneNumber: "628", Body: "abcd"})
	if !errors.Is(err, service.ErrContentTooLong) {
		t.Fatalf("expected ErrContentTooLong, got %v", err)
	}
	if fc.calls.Load() != 0 {
		t.Fatalf("expected gateway not to be called")
	}
	if len(reasons) != 1 || reasons[0] == "" {
		t.Fatalf("expected a reason, got %+v", reasons)
	}
}

func TestSender_CountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	sender := service.NewSender(&fakeClient{}, 4)
	if _, err := sender.Send(context.Background(), &model.QueuedMessage{PhoneNumber: "628", Body: "🙏🙏🙏🙏"}); err != nil {
		t.Fatalf("expected 4 runes to fit, got %v", err)
	}
}

func TestSender_GatewayErrorCallsFailedHook(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{err: &client.HTTPStatusError{StatusCode: http.StatusBadGateway}}
	var failed int
	sender := service.NewSender(fc, 100).WithHooks(nil, func(ctx context.Context, msg *model.QueuedMessage, reason string) error {
		failed++
		return nil
	})

	if _, err := sender.Send(context.Background(), &model.QueuedMessage{PhoneNumber: "628", Body: "hi"}); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if failed != 1 {
		t.Fatalf("expected failed hook once, got %d", failed)
	}
}
