package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryKind string

const (
	EntryKindDebit      EntryKind = "debit"
	EntryKindCredit     EntryKind = "credit"
	EntryKindAdjustment EntryKind = "adjustment"
	EntryKindWriteoff   EntryKind = "writeoff"
	EntryKindReversal   EntryKind = "reversal"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindDebit, EntryKindCredit, EntryKindAdjustment, EntryKindWriteoff, EntryKindReversal:
		return true
	}
	return false
}

type EntryCategory string

const (
	CategoryPayment    EntryCategory = "payment"
	CategoryRefund     EntryCategory = "refund"
	CategoryAdjustment EntryCategory = "adjustment"
	CategoryWriteoff   EntryCategory = "writeoff"
	CategoryFeeCharge  EntryCategory = "fee_charge"
	CategoryLateFee    EntryCategory = "late_fee"
	CategoryDiscount   EntryCategory = "discount"
	CategoryWaiver     EntryCategory = "waiver"
	CategoryReversal   EntryCategory = "reversal"
)

func (c EntryCategory) Valid() bool {
	switch c {
	case CategoryPayment, CategoryRefund, CategoryAdjustment, CategoryWriteoff, CategoryFeeCharge,
		CategoryLateFee, CategoryDiscount, CategoryWaiver, CategoryReversal:
		return true
	}
	return false
}

// LedgerEntry is one append-only signed movement against a student's balance in a hostel.
// Only the reconciliation and reversal fields are ever written after insert.
type LedgerEntry struct {
	ID              uuid.UUID       `json:"id"`
	Reference       string          `json:"reference"`
	StudentID       uuid.UUID       `json:"student_id"`
	HostelID        uuid.UUID       `json:"hostel_id"`
	PaymentID       *uuid.UUID      `json:"payment_id,omitempty"`
	Kind            EntryKind       `json:"kind"`
	Category        EntryCategory   `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	BalanceBefore   decimal.Decimal `json:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	Description     string          `json:"description"`
	TransactionDate time.Time       `json:"transaction_date"`
	PostedAt        time.Time       `json:"posted_at"`
	PostedBy        uuid.UUID       `json:"posted_by"`

	IsReconciled bool       `json:"is_reconciled"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
	ReconciledBy *uuid.UUID `json:"reconciled_by,omitempty"`

	IsReversed      bool       `json:"is_reversed"`
	ReversedAt      *time.Time `json:"reversed_at,omitempty"`
	ReversalEntryID *uuid.UUID `json:"reversal_entry_id,omitempty"`
	ReversalReason  string     `json:"reversal_reason,omitempty"`
	ReversalOf      *uuid.UUID `json:"reversal_of,omitempty"`
}

// DateRange is a half-open [From, To) window; a zero bound is unbounded.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// BalanceMismatch describes a ledger entry whose stored balances disagree with the recomputed chain.
type BalanceMismatch struct {
	EntryID    uuid.UUID       `json:"entry_id"`
	Reference  string          `json:"reference"`
	StudentID  uuid.UUID       `json:"student_id"`
	Kind       string          `json:"kind"` // arithmetic | chain_break
	Expected   decimal.Decimal `json:"expected"`
	Stored     decimal.Decimal `json:"stored"`
	Difference decimal.Decimal `json:"difference"`
}
