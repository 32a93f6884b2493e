package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type GatewayProvider string

const (
	ProviderRazorpay GatewayProvider = "razorpay"
	ProviderStripe   GatewayProvider = "stripe"
	ProviderPayU     GatewayProvider = "payu"
	ProviderCashfree GatewayProvider = "cashfree"
)

func (p GatewayProvider) Valid() bool {
	switch p {
	case ProviderRazorpay, ProviderStripe, ProviderPayU, ProviderCashfree:
		return true
	}
	return false
}

type GatewayTxType string

const (
	GatewayTxPayment       GatewayTxType = "PAYMENT"
	GatewayTxRefund        GatewayTxType = "REFUND"
	GatewayTxVerification  GatewayTxType = "VERIFICATION"
	GatewayTxCapture       GatewayTxType = "CAPTURE"
	GatewayTxAuthorization GatewayTxType = "AUTHORIZATION"
	GatewayTxVoid          GatewayTxType = "VOID"
)

func (t GatewayTxType) Valid() bool {
	switch t {
	case GatewayTxPayment, GatewayTxRefund, GatewayTxVerification, GatewayTxCapture, GatewayTxAuthorization, GatewayTxVoid:
		return true
	}
	return false
}

type GatewayStatus string

const (
	GatewayInitiated       GatewayStatus = "INITIATED"
	GatewayPending         GatewayStatus = "PENDING"
	GatewayProcessing      GatewayStatus = "PROCESSING"
	GatewaySuccess         GatewayStatus = "SUCCESS"
	GatewayFailed          GatewayStatus = "FAILED"
	GatewayCancelled       GatewayStatus = "CANCELLED"
	GatewayTimeout         GatewayStatus = "TIMEOUT"
	GatewayRefundInitiated GatewayStatus = "REFUND_INITIATED"
	GatewayRefundPending   GatewayStatus = "REFUND_PENDING"
	GatewayRefunded        GatewayStatus = "REFUNDED"
	GatewayRefundFailed    GatewayStatus = "REFUND_FAILED"
)

func (s GatewayStatus) Valid() bool {
	switch s {
	case GatewayInitiated, GatewayPending, GatewayProcessing, GatewaySuccess, GatewayFailed, GatewayCancelled,
		GatewayTimeout, GatewayRefundInitiated, GatewayRefundPending, GatewayRefunded, GatewayRefundFailed:
		return true
	}
	return false
}

// Terminal reports whether no further status writes are accepted.
func (s GatewayStatus) Terminal() bool {
	switch s {
	case GatewayFailed, GatewayCancelled, GatewayTimeout, GatewayRefunded, GatewayRefundFailed:
		return true
	}
	return false
}

// Succeeded reports whether the transaction reached SUCCESS at some point.
func (s GatewayStatus) Succeeded() bool {
	switch s {
	case GatewaySuccess, GatewayRefundInitiated, GatewayRefundPending, GatewayRefunded, GatewayRefundFailed:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodBank   PaymentMethod = "netbanking"
	MethodUPI    PaymentMethod = "upi"
	MethodWallet PaymentMethod = "wallet"
)

type VerificationMethod string

const (
	VerifySignature VerificationMethod = "signature"
	VerifyAPI       VerificationMethod = "api"
	VerifyWebhook   VerificationMethod = "webhook"
	VerifyManual    VerificationMethod = "manual"
)

func (m VerificationMethod) Valid() bool {
	switch m {
	case VerifySignature, VerifyAPI, VerifyWebhook, VerifyManual:
		return true
	}
	return false
}

type CardDetail struct {
	Network string `json:"network"`
	Last4   string `json:"last4"`
	Issuer  string `json:"issuer,omitempty"`
}

type BankDetail struct {
	BankCode string `json:"bank_code"`
	BankName string `json:"bank_name,omitempty"`
}

type UPIDetail struct {
	VPA string `json:"vpa"`
}

type WalletDetail struct {
	Wallet string `json:"wallet"`
}

// MethodDetail carries exactly one of the per-method blocks, matching Method.
type MethodDetail struct {
	Method PaymentMethod `json:"method"`
	Card   *CardDetail   `json:"card,omitempty"`
	Bank   *BankDetail   `json:"bank,omitempty"`
	UPI    *UPIDetail    `json:"upi,omitempty"`
	Wallet *WalletDetail `json:"wallet,omitempty"`
}

// Consistent reports whether only the block for Method is set.
func (d MethodDetail) Consistent() bool {
	set := 0
	for _, p := range []bool{d.Card != nil, d.Bank != nil, d.UPI != nil, d.Wallet != nil} {
		if p {
			set++
		}
	}
	switch d.Method {
	case MethodCard:
		return set == 1 && d.Card != nil
	case MethodBank:
		return set == 1 && d.Bank != nil
	case MethodUPI:
		return set == 1 && d.UPI != nil
	case MethodWallet:
		return set == 1 && d.Wallet != nil
	case "":
		return set == 0
	}
	return false
}

// GatewayTransaction is one attempt against an external payment provider.
type GatewayTransaction struct {
	ID                    uuid.UUID       `json:"id"`
	Reference             string          `json:"reference"`
	PaymentID             uuid.UUID       `json:"payment_id"`
	Provider              GatewayProvider `json:"provider"`
	Type                  GatewayTxType   `json:"transaction_type"`
	Status                GatewayStatus   `json:"status"`
	ProviderOrderID       *string         `json:"provider_order_id,omitempty"`
	ProviderPaymentID     *string         `json:"provider_payment_id,omitempty"`
	ProviderTransactionID *string         `json:"provider_transaction_id,omitempty"`
	ParentTransactionID   *uuid.UUID      `json:"parent_transaction_id,omitempty"`

	Amount     decimal.Decimal  `json:"transaction_amount"`
	Currency   string           `json:"currency"`
	GatewayFee *decimal.Decimal `json:"gateway_fee,omitempty"`
	TaxAmount  *decimal.Decimal `json:"tax_amount,omitempty"`
	NetAmount  *decimal.Decimal `json:"net_amount,omitempty"`

	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	WebhookPayload  json.RawMessage `json:"webhook_payload,omitempty"`
	CallbackPayload json.RawMessage `json:"callback_payload,omitempty"`
	MethodDetail    *MethodDetail   `json:"method_detail,omitempty"`

	IsVerified         bool               `json:"is_verified"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	SettlementID     *string          `json:"settlement_id,omitempty"`
	SettlementDate   *time.Time       `json:"settlement_date,omitempty"`
	SettlementAmount *decimal.Decimal `json:"settlement_amount,omitempty"`
	SettlementUTR    *string          `json:"settlement_utr,omitempty"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ErrorSource  *string `json:"error_source,omitempty"`

	InitiatedAt   time.Time  `json:"initiated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	TimeoutAt     *time.Time `json:"timeout_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	LastWebhookAt *time.Time `json:"last_webhook_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// WebhookEvent is one provider-initiated delivery, deduplicated per transaction by DedupKey.
type WebhookEvent struct {
	ID              uuid.UUID       `json:"id"`
	TransactionID   uuid.UUID       `json:"transaction_id"`
	Provider        GatewayProvider `json:"provider"`
	EventType       string          `json:"event_type"`
	ProviderEventID *string         `json:"provider_event_id,omitempty"`
	DedupKey        string          `json:"dedup_key"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature,omitempty"`
	SignatureValid  bool            `json:"signature_valid"`
	ReceivedAt      time.Time       `json:"received_at"`
}
