package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/pallicare-messaging/internal/lock"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/phone"
)

const maxBodyBytes = 1 << 20

var (
	phoneAliases     = []string{"sender", "phone", "from", "number", "wa_number"}
	messageAliases   = []string{"message", "text", "body"}
	deviceAliases    = []string{"device", "gateway", "instance"}
	nameAliases      = []string{"name", "sender_name", "contact_name"}
	idAliases        = []string{"id", "message_id", "msgId"}
	timestampAliases = []string{"timestamp", "time", "created_at"}
)

type envelope struct {
	OK        bool              `json:"ok"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Ignored   bool              `json:"ignored,omitempty"`
	Processed bool              `json:"processed,omitempty"`
	Action    string            `json:"action,omitempty"`
	Source    string            `json:"source,omitempty"`
	Error     string            `json:"error,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type incomingPayload struct {
	Phone      string `json:"phone" validate:"required,min=6"`
	Message    string `json:"message" validate:"required,min=1"`
	ExternalID string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Device     string `json:"device"`
	SenderName string `json:"name"`
}

type statusPayload struct {
	ID        string `json:"id" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) IncomingWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	fields, err := readFields(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return
	}

	p := incomingPayload{
		Phone:      phone.Normalize(pick(fields, phoneAliases...)),
		Message:    pick(fields, messageAliases...),
		ExternalID: pick(fields, idAliases...),
		Timestamp:  pick(fields, timestampAliases...),
		Device:     pick(fields, deviceAliases...),
		SenderName: pick(fields, nameAliases...),
	}
	if !h.valid(w, p) {
		return
	}

	out, err := h.Inbound.Process(r.Context(), model.InboundEvent{
		Phone:      p.Phone,
		Message:    p.Message,
		ExternalID: p.ExternalID,
		Timestamp:  p.Timestamp,
		Device:     p.Device,
		SenderName: p.SenderName,
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, envelope{Error: "patient is busy, retry later"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		OK:        true,
		Duplicate: out.Duplicate,
		Ignored:   out.Ignored,
		Processed: out.Processed,
		Action:    out.Action,
		Source:    out.Source,
	})
}

func (h *Handler) StatusWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	fields, err := readFields(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return
	}

	p := statusPayload{
		ID:        pick(fields, idAliases...),
		Status:    strings.ToLower(pick(fields, "status", "state")),
		Reason:    pick(fields, "reason", "error"),
		Timestamp: pick(fields, timestampAliases...),
	}
	if !h.valid(w, p) {
		return
	}

	status, ok := mapDeliveryStatus(p.Status)
	if !ok {
		writeJSON(w, http.StatusOK, envelope{OK: true, Ignored: true})
		return
	}

	ctx := r.Context()
	if h.Receipts != nil {
		if rc, found, err := h.Receipts.LookupSent(ctx, p.ID); err != nil {
			slog.Warn("sent receipt lookup failed", "remote_id", p.ID, "err", err)
		} else if found {
			slog.Info("delivery status for queued message",
				"remote_id", p.ID, "queued_id", rc.QueuedID, "patient_id", rc.PatientID, "type", rc.MessageType, "status", status)
		}
	}

	reminders, err := h.Reminders.ApplyDelivery(ctx, p.ID, status)
	if err != nil {
		slog.Error("apply reminder delivery failed", "remote_id", p.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "internal error"})
		return
	}
	messages, err := h.Messages.UpdateDeliveryStatus(ctx, p.ID, status)
	if err != nil {
		slog.Error("update message delivery failed", "remote_id", p.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "internal error"})
		return
	}

	if status == model.DeliveryFailed && p.Reason != "" {
		slog.Warn("gateway reported delivery failure", "remote_id", p.ID, "reason", p.Reason)
	}

	if reminders+messages == 0 {
		writeJSON(w, http.StatusOK, envelope{OK: true, Ignored: true})
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Processed: true, Action: "delivery_" + strings.ToLower(string(status))})
}

func mapDeliveryStatus(s string) (model.DeliveryStatus, bool) {
	switch s {
	case "sent":
		return model.DeliverySent, true
	case "delivered", "read":
		return model.DeliveryDelivered, true
	case "failed", "error", "rejected":
		return model.DeliveryFailed, true
	}
	return "", false
}

// authorize checks the shared webhook token before the body is read.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := r.Header.Get("X-Webhook-Token")
	if token == "" {
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = strings.TrimSpace(v)
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token == "" {
		writeJSON(w, http.StatusUnauthorized, envelope{Error: "missing webhook token"})
		return false
	}
	if h.WebhookToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.WebhookToken)) != 1 {
		writeJSON(w, http.StatusForbidden, envelope{Error: "invalid webhook token"})
		return false
	}
	return true
}

func (h *Handler) valid(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return false
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields[fe.Field()] = fe.Tag() + "=" + fe.Param()
		} else {
			fields[fe.Field()] = fe.Tag()
		}
	}
	writeJSON(w, http.StatusBadRequest, envelope{Error: "validation failed", Fields: fields})
	return false
}

// readFields accepts a JSON object or a url-encoded / multipart form.
func readFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if mt == "multipart/form-data" {
			if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
				return nil, fmt.Errorf("invalid form body: %w", err)
			}
		} else if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		fields := make(map[string]any, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				fields[k] = vs[0]
			}
		}
		return fields, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	return fields, nil
}

// pick returns the first non-empty value among aliases, stringified.
func pick(fields map[string]any, aliases ...string) string {
	for _, k := range aliases {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}

		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(t)
		default:
			continue
		}
		if s != "" {
			return s
		}
	}
	return ""
}
