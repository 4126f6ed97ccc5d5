package model

import "time"

type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationSent      ConfirmationStatus = "SENT"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationMissed    ConfirmationStatus = "MISSED"
	ConfirmationFailed    ConfirmationStatus = "FAILED"
)

// Open reports whether the reminder still awaits a patient answer.
func (s ConfirmationStatus) Open() bool {
	return s == ConfirmationPending || s == ConfirmationSent
}

type Reminder struct {
	ID                   string             `json:"id"`
	PatientID            string             `json:"patientId"`
	Message              string             `json:"message"`
	ConfirmationStatus   ConfirmationStatus `json:"confirmationStatus"`
	IsActive             bool               `json:"isActive"`
	SentAt               *time.Time         `json:"sentAt,omitempty"`
	ExternalMessageID    *string            `json:"externalMessageId,omitempty"`
	DeliveryStatus       DeliveryStatus     `json:"deliveryStatus,omitempty"`
	ConfirmationResponse *string            `json:"confirmationResponse,omitempty"`
	ConfirmationAt       *time.Time         `json:"confirmationAt,omitempty"`
	NeedsAttention       bool               `json:"needsAttention"`
	CreatedAt            time.Time          `json:"createdAt"`
}
