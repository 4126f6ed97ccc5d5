package model

import "time"

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationDeclined VerificationStatus = "DECLINED"
	VerificationExpired  VerificationStatus = "EXPIRED"
)

type Patient struct {
	ID                     string             `json:"id"`
	Name                   string             `json:"name"`
	PhoneNumber            string             `json:"phoneNumber"`
	VerificationStatus     VerificationStatus `json:"verificationStatus"`
	IsActive               bool               `json:"isActive"`
	VerificationSentAt     *time.Time         `json:"verificationSentAt,omitempty"`
	VerificationResponseAt *time.Time         `json:"verificationResponseAt,omitempty"`
	VerificationMessage    *string            `json:"verificationMessage,omitempty"`
	LastResponse           *string            `json:"lastResponse,omitempty"`
	LastResponseAt         *time.Time         `json:"lastResponseAt,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
}

// InboundEvent is a normalized gateway webhook delivery. It is never persisted.
type InboundEvent struct {
	Phone      string
	Message    string
	ExternalID string
	Timestamp  string
	Device     string
	SenderName string
}
