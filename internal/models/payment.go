package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment status values owned by the payments collaborator; the engine writes only
// PaymentStatusCompleted / PaymentStatusFailed and the refund columns.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

type Payment struct {
	ID           uuid.UUID       `json:"id"`
	StudentID    uuid.UUID       `json:"student_id"`
	HostelID     uuid.UUID       `json:"hostel_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"payment_status"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	IsRefunded   bool            `json:"is_refunded"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
