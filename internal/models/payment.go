package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusSuccessful PaymentStatus = "SUCCESSFUL"
	StatusFailed     PaymentStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// Payment is a single cash-in attempt. ExternalRef stays nil until the
// gateway accepts the request and is never changed afterwards.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID          string        `json:"payment_id" bun:"id,pk"`
	Amount      float64       `json:"amount" bun:"amount,notnull"`
	PhoneNumber string        `json:"phone_number" bun:"phone_number,notnull"`
	Status      PaymentStatus `json:"status" bun:"status,notnull,default:'PENDING'"`
	ExternalRef *string       `json:"external_ref,omitempty" bun:"external_ref,unique"`
	Provider    string        `json:"provider,omitempty" bun:"provider,nullzero"`
	InitiatedBy string        `json:"initiated_by,omitempty" bun:"initiated_by,nullzero"`
	CreatedAt   time.Time     `json:"created_at" bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time     `json:"updated_at" bun:"updated_at,notnull,default:current_timestamp"`
}

type InitiatePaymentRequest struct {
	PhoneNumber string  `json:"phone_number"`
	Amount      float64 `json:"amount"`
}

type InitiatePaymentResponse struct {
	PaymentID   string        `json:"payment_id"`
	Status      PaymentStatus `json:"status"`
	ExternalRef string        `json:"external_ref"`
}

// PaymentEvent is what a waiting client receives once its payment resolves.
type PaymentEvent struct {
	Status PaymentStatus `json:"status"`
}

// PaymentOutcomeEvent is published to Kafka for downstream consumers.
type PaymentOutcomeEvent struct {
	Type        string        `json:"type"`
	PaymentID   string        `json:"payment_id"`
	ExternalRef string        `json:"external_ref"`
	Status      PaymentStatus `json:"status"`
	Amount      float64       `json:"amount"`
	Provider    string        `json:"provider,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
