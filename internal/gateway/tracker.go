// Package gateway tracks the lifecycle of individual payment-provider interactions:
// creation, status transitions, webhook logging, verification, settlement and retry bookkeeping.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reference"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, g *models.GatewayTransaction) error
	Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GatewayTransaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GatewayTransaction, error)
	GetByReference(ctx context.Context, tx pgx.Tx, ref string) (*models.GatewayTransaction, error)
	FindByProviderID(ctx context.Context, tx pgx.Tx, provider models.GatewayProvider, providerID string) (*models.GatewayTransaction, error)
	Update(ctx context.Context, tx pgx.Tx, g *models.GatewayTransaction) error
	InsertWebhook(ctx context.Context, tx pgx.Tx, ev *models.WebhookEvent) (inserted bool, err error)
	GetWebhook(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.WebhookEvent, error)
	ListWebhooks(ctx context.Context, tx pgx.Tx, txID uuid.UUID) ([]*models.WebhookEvent, error)
	ListUnverified(ctx context.Context, tx pgx.Tx, initiatedBefore time.Time) ([]*models.GatewayTransaction, error)
	ListUnsettled(ctx context.Context, tx pgx.Tx, completedBefore time.Time) ([]*models.GatewayTransaction, error)
	ListDueRetries(ctx context.Context, tx pgx.Tx, now time.Time) ([]*models.GatewayTransaction, error)
	ListByRange(ctx context.Context, tx pgx.Tx, rng models.DateRange) ([]*models.GatewayTransaction, error)
}

// RetryPolicy bounds retries and spaces next_retry_at exponentially from BaseDelay up to MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type CreateInput struct {
	PaymentID      uuid.UUID
	Provider       models.GatewayProvider
	Type           models.GatewayTxType
	Amount         decimal.Decimal
	Currency       string
	RequestPayload json.RawMessage
	ParentID       *uuid.UUID
}

// Fees as reported by the provider; net = amount - fee - tax.
type Fees struct {
	GatewayFee decimal.Decimal
	Tax        decimal.Decimal
}

type TransitionInput struct {
	Status                models.GatewayStatus
	ProviderOrderID       string
	ProviderPaymentID     string
	ProviderTransactionID string
	ResponsePayload       json.RawMessage
	CallbackPayload       json.RawMessage
	Fees                  *Fees
	MethodDetail          *models.MethodDetail
	ErrorCode             string
	ErrorMessage          string
	ErrorSource           string
}

type WebhookInput struct {
	TransactionID   uuid.UUID
	EventType       string
	ProviderEventID string
	Payload         json.RawMessage
	Signature       string
	SignatureValid  bool
}

type SettlementInput struct {
	SettlementID string
	Amount       decimal.Decimal
	UTR          string
	Date         time.Time
}

// AfterWebhookFunc runs inside the transaction that stored a new (non-duplicate) webhook event.
type AfterWebhookFunc func(ctx context.Context, tx pgx.Tx, ev *models.WebhookEvent) error

type Tracker interface {
	Create(ctx context.Context, in CreateInput) (*models.GatewayTransaction, error)
	CreateTx(ctx context.Context, tx pgx.Tx, in CreateInput) (*models.GatewayTransaction, error)
	Transition(ctx context.Context, id uuid.UUID, in TransitionInput) (*models.GatewayTransaction, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, in TransitionInput) (*models.GatewayTransaction, error)
	RecordWebhook(ctx context.Context, in WebhookInput) (ev *models.WebhookEvent, duplicate bool, err error)
	Verify(ctx context.Context, id uuid.UUID, method models.VerificationMethod) (*models.GatewayTransaction, error)
	RecordSettlement(ctx context.Context, id uuid.UUID, in SettlementInput) (*models.GatewayTransaction, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error)
	Get(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error)
	GetByReference(ctx context.Context, ref string) (*models.GatewayTransaction, error)
	FindByProviderID(ctx context.Context, provider models.GatewayProvider, providerID string) (*models.GatewayTransaction, error)
	GetWebhook(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	ListWebhooks(ctx context.Context, txID uuid.UUID) ([]*models.WebhookEvent, error)
	FindUnverified(ctx context.Context, olderThan time.Duration) ([]*models.GatewayTransaction, error)
	FindUnsettled(ctx context.Context, olderThan time.Duration) ([]*models.GatewayTransaction, error)
	FindDueRetries(ctx context.Context) ([]*models.GatewayTransaction, error)
	ListByRange(ctx context.Context, rng models.DateRange) ([]*models.GatewayTransaction, error)
}

type tracker struct {
	tx           *database.Runner
	repo         Repository
	seq          reference.Sequencer
	policy       RetryPolicy
	afterWebhook AfterWebhookFunc
	logger       *slog.Logger
	now          func() time.Time
}

// NewTracker returns the tracker. afterWebhook may be nil.
func NewTracker(runner *database.Runner, repo Repository, seq reference.Sequencer, policy RetryPolicy, afterWebhook AfterWebhookFunc, logger *slog.Logger) Tracker {
	return newTracker(runner, repo, seq, policy, afterWebhook, logger)
}

func newTracker(runner *database.Runner, repo Repository, seq reference.Sequencer, policy RetryPolicy, afterWebhook AfterWebhookFunc, logger *slog.Logger) *tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracker{
		tx:           runner,
		repo:         repo,
		seq:          seq,
		policy:       policy,
		afterWebhook: afterWebhook,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

var _ Tracker = (*tracker)(nil)

func (t *tracker) Create(ctx context.Context, in CreateInput) (*models.GatewayTransaction, error) {
	var out *models.GatewayTransaction
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = t.CreateTx(ctx, tx, in)
		return err
	})
	return out, err
}

func (t *tracker) CreateTx(ctx context.Context, tx pgx.Tx, in CreateInput) (*models.GatewayTransaction, error) {
	if !in.Provider.Valid() {
		return nil, fmt.Errorf("%w: provider %q", apperr.ErrInvalidArgument, in.Provider)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: transaction type %q", apperr.ErrInvalidArgument, in.Type)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: gateway amount must be positive, got %s", apperr.ErrInvalidAmount, in.Amount)
	}
	if in.Currency == "" {
		return nil, fmt.Errorf("%w: currency is required", apperr.ErrInvalidArgument)
	}
	now := t.now()
	ref, err := reference.Generate(ctx, t.seq, tx, reference.GatewayScope(string(in.Provider)), now)
	if err != nil {
		return nil, err
	}
	g := &models.GatewayTransaction{
		ID:                  uuid.New(),
		Reference:           ref,
		PaymentID:           in.PaymentID,
		Provider:            in.Provider,
		Type:                in.Type,
		Status:              models.GatewayInitiated,
		ParentTransactionID: in.ParentID,
		Amount:              in.Amount,
		Currency:            in.Currency,
		RequestPayload:      in.RequestPayload,
		MaxRetries:          t.policy.MaxRetries,
		InitiatedAt:         now,
		UpdatedAt:           now,
	}
	if err := t.repo.Insert(ctx, tx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (t *tracker) Transition(ctx context.Context, id uuid.UUID, in TransitionInput) (*models.GatewayTransaction, error) {
	var out *models.GatewayTransaction
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = t.TransitionTx(ctx, tx, id, in)
		return err
	})
	return out, err
}

func (t *tracker) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, in TransitionInput) (*models.GatewayTransaction, error) {
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", apperr.ErrInvalidArgument, in.Status)
	}
	if in.Status == models.GatewayFailed && (in.ErrorCode == "" || in.ErrorMessage == "") {
		return nil, fmt.Errorf("%w: FAILED requires error code and message", apperr.ErrInvalidArgument)
	}
	if in.MethodDetail != nil && !in.MethodDetail.Consistent() {
		return nil, fmt.Errorf("%w: payment method detail does not match method %q", apperr.ErrInvalidArgument, in.MethodDetail.Method)
	}
	g, err := t.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	from := g.Status

	if from == in.Status {
		// Duplicate or late delivery of a state we already hold: keep any ids we did not know yet.
		changed, err := mergeProviderIDs(g, in)
		if err != nil {
			return nil, err
		}
		if changed {
			g.UpdatedAt = t.now()
			if err := t.repo.Update(ctx, tx, g); err != nil {
				return nil, err
			}
		}
		return g, nil
	}
	if from.Terminal() {
		return nil, fmt.Errorf("%w: %s is terminal (requested %s)", apperr.ErrInvalidStateTransition, from, in.Status)
	}
	if !CanTransition(from, in.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidStateTransition, from, in.Status)
	}

	if _, err := mergeProviderIDs(g, in); err != nil {
		return nil, err
	}
	if in.Fees != nil {
		if err := applyFees(g, *in.Fees); err != nil {
			return nil, err
		}
	}
	if in.MethodDetail != nil {
		g.MethodDetail = in.MethodDetail
	}
	if len(in.ResponsePayload) > 0 {
		g.ResponsePayload = in.ResponsePayload
	}
	if len(in.CallbackPayload) > 0 {
		g.CallbackPayload = in.CallbackPayload
	}
	if in.ErrorCode != "" {
		g.ErrorCode = &in.ErrorCode
	}
	if in.ErrorMessage != "" {
		g.ErrorMessage = &in.ErrorMessage
	}
	if in.ErrorSource != "" {
		g.ErrorSource = &in.ErrorSource
	}

	now := t.now()
	switch in.Status {
	case models.GatewaySuccess:
		g.CompletedAt = &now
	case models.GatewayFailed, models.GatewayRefundFailed:
		g.FailedAt = &now
	case models.GatewayCancelled:
		g.CancelledAt = &now
	case models.GatewayTimeout:
		g.TimeoutAt = &now
	case models.GatewayRefunded:
		g.RefundedAt = &now
	}
	g.Status = in.Status
	g.UpdatedAt = now
	if err := t.repo.Update(ctx, tx, g); err != nil {
		return nil, err
	}
	t.logger.Info("gateway transaction transitioned", "reference", g.Reference, "from", from, "to", g.Status)
	return g, nil
}

// mergeProviderIDs fills unset provider ids from in. A different value for an id already on
// record is a conflict.
func mergeProviderIDs(g *models.GatewayTransaction, in TransitionInput) (bool, error) {
	changed := false
	set := func(dst **string, v, name string) error {
		if v == "" {
			return nil
		}
		if *dst != nil {
			if **dst != v {
				return fmt.Errorf("%w: %s already %q, got %q", apperr.ErrConflict, name, **dst, v)
			}
			return nil
		}
		val := v
		*dst = &val
		changed = true
		return nil
	}
	if err := set(&g.ProviderOrderID, in.ProviderOrderID, "provider order id"); err != nil {
		return false, err
	}
	if err := set(&g.ProviderPaymentID, in.ProviderPaymentID, "provider payment id"); err != nil {
		return false, err
	}
	if err := set(&g.ProviderTransactionID, in.ProviderTransactionID, "provider transaction id"); err != nil {
		return false, err
	}
	return changed, nil
}

func applyFees(g *models.GatewayTransaction, f Fees) error {
	if f.GatewayFee.IsNegative() || f.Tax.IsNegative() {
		return fmt.Errorf("%w: fees must not be negative", apperr.ErrInvalidAmount)
	}
	net := g.Amount.Sub(f.GatewayFee).Sub(f.Tax)
	if net.IsNegative() {
		return fmt.Errorf("%w: fees %s + %s exceed amount %s", apperr.ErrInvalidAmount, f.GatewayFee, f.Tax, g.Amount)
	}
	fee, tax := f.GatewayFee, f.Tax
	g.GatewayFee, g.TaxAmount, g.NetAmount = &fee, &tax, &net
	return nil
}

// DedupKey identifies a webhook delivery: the provider's own event id when present, otherwise a
// hash over transaction, event type and raw payload.
func DedupKey(txID uuid.UUID, eventType, providerEventID string, payload []byte) string {
	if providerEventID != "" {
		return "evt:" + providerEventID
	}
	h := sha256.New()
	h.Write([]byte(txID.String()))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(payload)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func (t *tracker) RecordWebhook(ctx context.Context, in WebhookInput) (*models.WebhookEvent, bool, error) {
	if strings.TrimSpace(in.EventType) == "" {
		return nil, false, fmt.Errorf("%w: event type is required", apperr.ErrInvalidArgument)
	}
	if !json.Valid(in.Payload) {
		return nil, false, fmt.Errorf("%w: webhook payload is not valid JSON", apperr.ErrInvalidArgument)
	}
	var ev *models.WebhookEvent
	duplicate := false
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		g, err := t.repo.GetForUpdate(ctx, tx, in.TransactionID)
		if err != nil {
			return err
		}
		now := t.now()
		ev = &models.WebhookEvent{
			ID:             uuid.New(),
			TransactionID:  g.ID,
			Provider:       g.Provider,
			EventType:      in.EventType,
			DedupKey:       DedupKey(g.ID, in.EventType, in.ProviderEventID, in.Payload),
			Payload:        in.Payload,
			Signature:      in.Signature,
			SignatureValid: in.SignatureValid,
			ReceivedAt:     now,
		}
		if in.ProviderEventID != "" {
			id := in.ProviderEventID
			ev.ProviderEventID = &id
		}
		inserted, err := t.repo.InsertWebhook(ctx, tx, ev)
		if err != nil {
			return err
		}
		duplicate = !inserted
		if duplicate {
			return nil
		}
		g.WebhookPayload = in.Payload
		g.LastWebhookAt = &now
		g.UpdatedAt = now
		if err := t.repo.Update(ctx, tx, g); err != nil {
			return err
		}
		if t.afterWebhook != nil {
			return t.afterWebhook(ctx, tx, ev)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		t.logger.Info("duplicate webhook ignored", "transaction_id", in.TransactionID, "event_type", in.EventType, "dedup_key", ev.DedupKey)
	}
	return ev, duplicate, nil
}

func (t *tracker) Verify(ctx context.Context, id uuid.UUID, method models.VerificationMethod) (*models.GatewayTransaction, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: verification method %q", apperr.ErrInvalidArgument, method)
	}
	var g *models.GatewayTransaction
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		g, err = t.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if g.IsVerified {
			return nil
		}
		now := t.now()
		g.IsVerified = true
		g.VerificationMethod = method
		g.VerifiedAt = &now
		g.UpdatedAt = now
		return t.repo.Update(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// RecordSettlement attaches settlement data to a transaction that reached SUCCESS. Repeating the
// same settlement id is a no-op; a different one is a conflict.
func (t *tracker) RecordSettlement(ctx context.Context, id uuid.UUID, in SettlementInput) (*models.GatewayTransaction, error) {
	if in.SettlementID == "" {
		return nil, fmt.Errorf("%w: settlement id is required", apperr.ErrInvalidArgument)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: settlement amount must be positive, got %s", apperr.ErrInvalidAmount, in.Amount)
	}
	var g *models.GatewayTransaction
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		g, err = t.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !g.Status.Succeeded() {
			return fmt.Errorf("%w: cannot settle a %s transaction", apperr.ErrInvalidStateTransition, g.Status)
		}
		if g.SettlementID != nil {
			if *g.SettlementID == in.SettlementID {
				return nil
			}
			return fmt.Errorf("%w: already settled under %s", apperr.ErrConflict, *g.SettlementID)
		}
		now := t.now()
		date := in.Date
		if date.IsZero() {
			date = now
		}
		sid, amt := in.SettlementID, in.Amount
		g.SettlementID = &sid
		g.SettlementAmount = &amt
		g.SettlementDate = &date
		if in.UTR != "" {
			utr := in.UTR
			g.SettlementUTR = &utr
		}
		g.UpdatedAt = now
		return t.repo.Update(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// IncrementRetry books one retry of a FAILED attempt and schedules next_retry_at. The retry itself
// is performed by an external scheduler.
func (t *tracker) IncrementRetry(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error) {
	var g *models.GatewayTransaction
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		g, err = t.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if g.Status != models.GatewayFailed {
			return fmt.Errorf("%w: retries apply to FAILED transactions, this one is %s", apperr.ErrInvalidStateTransition, g.Status)
		}
		if g.RetryCount >= g.MaxRetries {
			return fmt.Errorf("%s: %w (%d/%d)", g.Reference, apperr.ErrRetryExhausted, g.RetryCount, g.MaxRetries)
		}
		now := t.now()
		g.RetryCount++
		next := now.Add(t.policy.delay(g.RetryCount))
		g.NextRetryAt = &next
		g.UpdatedAt = now
		return t.repo.Update(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (t *tracker) Get(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error) {
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) (*models.GatewayTransaction, error) {
		return t.repo.Get(ctx, tx, id)
	})
}

func (t *tracker) GetByReference(ctx context.Context, ref string) (*models.GatewayTransaction, error) {
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) (*models.GatewayTransaction, error) {
		return t.repo.GetByReference(ctx, tx, ref)
	})
}

func (t *tracker) FindByProviderID(ctx context.Context, provider models.GatewayProvider, providerID string) (*models.GatewayTransaction, error) {
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) (*models.GatewayTransaction, error) {
		return t.repo.FindByProviderID(ctx, tx, provider, providerID)
	})
}

func (t *tracker) GetWebhook(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) (*models.WebhookEvent, error) {
		return t.repo.GetWebhook(ctx, tx, id)
	})
}

func (t *tracker) ListWebhooks(ctx context.Context, txID uuid.UUID) ([]*models.WebhookEvent, error) {
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) ([]*models.WebhookEvent, error) {
		return t.repo.ListWebhooks(ctx, tx, txID)
	})
}

// FindUnverified returns succeeded transactions still unverified olderThan after initiation.
func (t *tracker) FindUnverified(ctx context.Context, olderThan time.Duration) ([]*models.GatewayTransaction, error) {
	cutoff := t.now().Add(-olderThan)
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) ([]*models.GatewayTransaction, error) {
		return t.repo.ListUnverified(ctx, tx, cutoff)
	})
}

// FindUnsettled returns succeeded transactions without settlement olderThan after completion.
func (t *tracker) FindUnsettled(ctx context.Context, olderThan time.Duration) ([]*models.GatewayTransaction, error) {
	cutoff := t.now().Add(-olderThan)
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) ([]*models.GatewayTransaction, error) {
		return t.repo.ListUnsettled(ctx, tx, cutoff)
	})
}

// FindDueRetries lists FAILED transactions whose next_retry_at has passed, for the external scheduler.
func (t *tracker) FindDueRetries(ctx context.Context) ([]*models.GatewayTransaction, error) {
	now := t.now()
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) ([]*models.GatewayTransaction, error) {
		return t.repo.ListDueRetries(ctx, tx, now)
	})
}

func (t *tracker) ListByRange(ctx context.Context, rng models.DateRange) ([]*models.GatewayTransaction, error) {
	return readOne(ctx, t, func(ctx context.Context, tx pgx.Tx) ([]*models.GatewayTransaction, error) {
		return t.repo.ListByRange(ctx, tx, rng)
	})
}

func readOne[T any](ctx context.Context, t *tracker, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	var out T
	err := t.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	return out, err
}
