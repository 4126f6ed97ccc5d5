package cache

import (
	"context"
	"time"
)

// SentReceipt links a gateway message id back to the queued message that
// produced it.
type SentReceipt struct {
	QueuedID    string    `json:"queuedId"`
	PatientID   string    `json:"patientId"`
	MessageType string    `json:"messageType"`
	SentAt      time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, remoteMessageID string, r SentReceipt) error
	LookupSent(ctx context.Context, remoteMessageID string) (SentReceipt, bool, error)
}
