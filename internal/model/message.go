package model

import "time"

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Score maps a priority to its sort key; lower values are dequeued first.
func (p Priority) Score() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	default:
		return 4
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

type MessageType string

const (
	TypeVerificationAck    MessageType = "verification_ack"
	TypeUnsubscribeConfirm MessageType = "unsubscribe_confirmation"
	TypeReminderAck        MessageType = "reminder_ack"
	TypeClarification      MessageType = "clarification"
	TypeGeneralReply       MessageType = "general_reply"
	TypeVolunteerAlert     MessageType = "volunteer_alert"
)

// DeliveryStatus is the gateway-reported delivery state of an outbound message.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

type QueuedMessage struct {
	ID              string         `json:"id"`
	PatientID       string         `json:"patientId"`
	PhoneNumber     string         `json:"phoneNumber"`
	Body            string         `json:"body"`
	Priority        Priority       `json:"priority"`
	PriorityScore   int            `json:"priorityScore"`
	MessageType     MessageType    `json:"messageType"`
	RetryCount      int            `json:"retryCount"`
	MaxRetries      int            `json:"maxRetries"`
	Status          Status         `json:"status"`
	LastError       *string        `json:"lastError,omitempty"`
	NextRetryAt     *time.Time     `json:"nextRetryAt,omitempty"`
	ProcessedAt     *time.Time     `json:"processedAt,omitempty"`
	RemoteMessageID *string        `json:"remoteMessageId,omitempty"`
	DeliveryStatus  DeliveryStatus `json:"deliveryStatus,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
