package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/pallicare-messaging/internal/cache"
	"github.com/LeventeLantos/pallicare-messaging/internal/inbound"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/queue"
	"github.com/LeventeLantos/pallicare-messaging/internal/scheduler"
)

type InboundProcessor interface {
	Process(ctx context.Context, ev model.InboundEvent) (inbound.Outcome, error)
}

type QueueReader interface {
	Stats(ctx context.Context) (queue.Stats, error)
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.QueuedMessage, error)
}

type ReminderDelivery interface {
	ApplyDelivery(ctx context.Context, externalMessageID string, status model.DeliveryStatus) (int64, error)
}

type MessageDelivery interface {
	UpdateDeliveryStatus(ctx context.Context, remoteMessageID string, status model.DeliveryStatus) (int64, error)
}

type Deps struct {
	// Worker is the scheduler the start/stop endpoints control.
	Worker *scheduler.Scheduler
	// Background schedulers reported by the status endpoint only.
	Background []*scheduler.Scheduler

	Queue     QueueReader
	Inbound   InboundProcessor
	Reminders ReminderDelivery
	Messages  MessageDelivery
	// Receipts is optional.
	Receipts cache.MessageCache

	WebhookToken string
}

type Handler struct {
	Deps
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, validate: newValidator()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]scheduler.Status, 0, 1+len(h.Background))
	statuses = append(statuses, h.Worker.Status())
	for _, s := range h.Background {
		statuses = append(statuses, s.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Worker.IsRunning(), "schedulers": statuses})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Worker.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Worker.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Worker.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Worker.IsRunning()})
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListQueuedMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	status := model.Failed
	if raw := q.Get("status"); raw != "" {
		status = model.Status(raw)
	}
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "unknown status " + strconv.Quote(string(status))})
		return
	}

	items, err := h.Queue.List(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
