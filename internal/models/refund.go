package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundApproved   RefundStatus = "APPROVED"
	RefundRejected   RefundStatus = "REJECTED"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
	RefundCancelled  RefundStatus = "CANCELLED"
)

func (s RefundStatus) Terminal() bool {
	switch s {
	case RefundRejected, RefundCompleted, RefundFailed, RefundCancelled:
		return true
	}
	return false
}

type RefundCategory string

const (
	RefundCategoryCancellation     RefundCategory = "cancellation"
	RefundCategoryOverpayment      RefundCategory = "overpayment"
	RefundCategoryDuplicatePayment RefundCategory = "duplicate_payment"
	RefundCategorySecurityDeposit  RefundCategory = "security_deposit"
	RefundCategoryServiceIssue     RefundCategory = "service_issue"
	RefundCategoryOther            RefundCategory = "other"
)

func (c RefundCategory) Valid() bool {
	switch c {
	case RefundCategoryCancellation, RefundCategoryOverpayment, RefundCategoryDuplicatePayment,
		RefundCategorySecurityDeposit, RefundCategoryServiceIssue, RefundCategoryOther:
		return true
	}
	return false
}

type PaymentRefund struct {
	ID             uuid.UUID       `json:"id"`
	Reference      string          `json:"reference"`
	PaymentID      uuid.UUID       `json:"payment_id"`
	StudentID      uuid.UUID       `json:"student_id"`
	HostelID       uuid.UUID       `json:"hostel_id"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	Currency       string          `json:"currency"`
	IsPartial      bool            `json:"is_partial"`
	Reason         string          `json:"reason"`
	Category       RefundCategory  `json:"category"`
	Status         RefundStatus    `json:"status"`

	RequestedBy uuid.UUID  `json:"requested_by"`
	ApprovedBy  *uuid.UUID `json:"approved_by,omitempty"`
	ProcessedBy *uuid.UUID `json:"processed_by,omitempty"`

	ApprovalNotes   string `json:"approval_notes,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	OriginalGatewayTxID *uuid.UUID       `json:"original_gateway_transaction_id,omitempty"`
	GatewayTxID         *uuid.UUID       `json:"gateway_transaction_id,omitempty"`
	GatewayRefundID     *string          `json:"gateway_refund_id,omitempty"`
	TransactionID       *string          `json:"transaction_id,omitempty"`
	GatewayResponse     json.RawMessage  `json:"gateway_response,omitempty"`
	ProcessedAmount     *decimal.Decimal `json:"processed_amount,omitempty"`
	ProcessingFee       *decimal.Decimal `json:"processing_fee,omitempty"`
	LedgerEntryID       *uuid.UUID       `json:"ledger_entry_id,omitempty"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	RequestedAt  time.Time  `json:"requested_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
