// Package refund implements the approval-gated refund workflow: request, approve or reject,
// process through the gateway, then complete (posting to the ledger) or fail.
package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reference"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund) error
	Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentRefund, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentRefund, error)
	GetByReference(ctx context.Context, tx pgx.Tx, ref string) (*models.PaymentRefund, error)
	Update(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund) error
	ListByPayment(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) ([]*models.PaymentRefund, error)
}

// PaymentStore is the slice of the payments collaborator the workflow touches.
type PaymentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	ApplyRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (*models.Payment, error)
}

type Ledger interface {
	PostEntryTx(ctx context.Context, tx pgx.Tx, in ledger.PostInput) (*models.LedgerEntry, error)
}

type Gateway interface {
	CreateTx(ctx context.Context, tx pgx.Tx, in gateway.CreateInput) (*models.GatewayTransaction, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, in gateway.TransitionInput) (*models.GatewayTransaction, error)
}

type CreateInput struct {
	PaymentID uuid.UUID
	Requester uuid.UUID
	Amount    decimal.Decimal
	// OriginalAmount defaults to the payment amount when zero.
	OriginalAmount decimal.Decimal
	Reason         string
	Category       models.RefundCategory
	// OriginalGatewayTxID links the refund to the gateway transaction that collected the payment.
	OriginalGatewayTxID *uuid.UUID
}

type CompleteInput struct {
	ProcessedAmount decimal.Decimal
	TransactionID   string
	GatewayResponse json.RawMessage
	Fee             *decimal.Decimal
}

type Workflow interface {
	CreateRefundRequest(ctx context.Context, in CreateInput) (*models.PaymentRefund, error)
	Approve(ctx context.Context, id, approver uuid.UUID, notes string) (*models.PaymentRefund, error)
	Reject(ctx context.Context, id, approver uuid.UUID, reason string) (*models.PaymentRefund, error)
	BeginProcessing(ctx context.Context, id, processor uuid.UUID, gatewayRefundID string) (*models.PaymentRefund, error)
	Complete(ctx context.Context, id uuid.UUID, in CompleteInput) (*models.PaymentRefund, error)
	Fail(ctx context.Context, id uuid.UUID, code, message string) (*models.PaymentRefund, error)
	Cancel(ctx context.Context, id, actor uuid.UUID, reason string) (*models.PaymentRefund, error)
	Get(ctx context.Context, id uuid.UUID) (*models.PaymentRefund, error)
	GetByReference(ctx context.Context, ref string) (*models.PaymentRefund, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.PaymentRefund, error)
}

type workflow struct {
	tx       *database.Runner
	repo     Repository
	payments PaymentStore
	ledger   Ledger
	gateway  Gateway
	seq      reference.Sequencer
	logger   *slog.Logger
	now      func() time.Time
}

func NewWorkflow(runner *database.Runner, repo Repository, payments PaymentStore, l Ledger, g Gateway, seq reference.Sequencer, logger *slog.Logger) Workflow {
	return newWorkflow(runner, repo, payments, l, g, seq, logger)
}

func newWorkflow(runner *database.Runner, repo Repository, payments PaymentStore, l Ledger, g Gateway, seq reference.Sequencer, logger *slog.Logger) *workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &workflow{
		tx:       runner,
		repo:     repo,
		payments: payments,
		ledger:   l,
		gateway:  g,
		seq:      seq,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Workflow = (*workflow)(nil)

func (w *workflow) CreateRefundRequest(ctx context.Context, in CreateInput) (*models.PaymentRefund, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive, got %s", apperr.ErrInvalidAmount, in.Amount)
	}
	if !in.OriginalAmount.IsZero() && in.Amount.GreaterThan(in.OriginalAmount) {
		return nil, fmt.Errorf("%w: refund %s exceeds original amount %s", apperr.ErrInvalidAmount, in.Amount, in.OriginalAmount)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", apperr.ErrInvalidArgument)
	}
	if in.Category == "" {
		in.Category = models.RefundCategoryOther
	}
	if !in.Category.Valid() {
		return nil, fmt.Errorf("%w: refund category %q", apperr.ErrInvalidArgument, in.Category)
	}

	var out *models.PaymentRefund
	err := w.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// The payment row lock serializes concurrent requests against the same payment.
		p, err := w.payments.GetForUpdate(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusCompleted {
			return fmt.Errorf("%w: payment is %s, only completed payments can be refunded", apperr.ErrInvalidStateTransition, p.Status)
		}
		original := in.OriginalAmount
		if original.IsZero() {
			original = p.Amount
		} else if !original.Equal(p.Amount) {
			return fmt.Errorf("%w: original amount %s does not match payment amount %s", apperr.ErrInvalidArgument, original, p.Amount)
		}
		if in.Amount.GreaterThan(original) {
			return fmt.Errorf("%w: refund %s exceeds original amount %s", apperr.ErrInvalidAmount, in.Amount, original)
		}
		existing, err := w.repo.ListByPayment(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		committed := committedAmount(existing)
		if committed.Add(in.Amount).GreaterThan(original) {
			return fmt.Errorf("%w: refund %s plus %s already committed exceeds original amount %s",
				apperr.ErrInvalidAmount, in.Amount, committed, original)
		}

		now := w.now()
		ref, err := reference.Generate(ctx, w.seq, tx, reference.ScopeRefund, now)
		if err != nil {
			return err
		}
		out = &models.PaymentRefund{
			ID:                  uuid.New(),
			Reference:           ref,
			PaymentID:           p.ID,
			StudentID:           p.StudentID,
			HostelID:            p.HostelID,
			RefundAmount:        in.Amount,
			OriginalAmount:      original,
			Currency:            p.Currency,
			IsPartial:           in.Amount.LessThan(original),
			Reason:              in.Reason,
			Category:            in.Category,
			Status:              models.RefundPending,
			RequestedBy:         in.Requester,
			OriginalGatewayTxID: in.OriginalGatewayTxID,
			RequestedAt:         now,
			UpdatedAt:           now,
		}
		return w.repo.Insert(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("refund requested", "reference", out.Reference, "payment_id", out.PaymentID, "amount", out.RefundAmount.String())
	return out, nil
}

// committedAmount sums refunds that still hold or already moved money: in-flight requests count
// at their requested amount, completed ones at what was actually processed.
func committedAmount(list []*models.PaymentRefund) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range list {
		switch r.Status {
		case models.RefundPending, models.RefundApproved, models.RefundProcessing:
			sum = sum.Add(r.RefundAmount)
		case models.RefundCompleted:
			if r.ProcessedAmount != nil {
				sum = sum.Add(*r.ProcessedAmount)
			} else {
				sum = sum.Add(r.RefundAmount)
			}
		}
	}
	return sum
}

// mutate loads the refund under lock, checks its status is one of from, and persists whatever fn changes.
func (w *workflow) mutate(ctx context.Context, id uuid.UUID, op string, from []models.RefundStatus, fn func(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund, now time.Time) error) (*models.PaymentRefund, error) {
	var out *models.PaymentRefund
	err := w.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		r, err := w.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(r.Status, from) {
			return fmt.Errorf("%w: cannot %s a %s refund", apperr.ErrInvalidStateTransition, op, r.Status)
		}
		now := w.now()
		if err := fn(ctx, tx, r, now); err != nil {
			return err
		}
		r.UpdatedAt = now
		if err := w.repo.Update(ctx, tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("refund "+op, "reference", out.Reference, "status", out.Status)
	return out, nil
}

func statusIn(s models.RefundStatus, set []models.RefundStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (w *workflow) Approve(ctx context.Context, id, approver uuid.UUID, notes string) (*models.PaymentRefund, error) {
	return w.decide(ctx, id, "approve", models.RefundApproved, func(r *models.PaymentRefund, now time.Time) {
		r.ApprovedBy = &approver
		r.ApprovalNotes = notes
		r.ApprovedAt = &now
	})
}

func (w *workflow) Reject(ctx context.Context, id, approver uuid.UUID, reason string) (*models.PaymentRefund, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", apperr.ErrInvalidArgument)
	}
	return w.decide(ctx, id, "reject", models.RefundRejected, func(r *models.PaymentRefund, now time.Time) {
		r.ApprovedBy = &approver
		r.RejectionReason = reason
		r.RejectedAt = &now
	})
}

// decide moves a PENDING refund to APPROVED or REJECTED. Repeating the decision already taken is a
// conflict rather than an illegal transition.
func (w *workflow) decide(ctx context.Context, id uuid.UUID, op string, to models.RefundStatus, apply func(r *models.PaymentRefund, now time.Time)) (*models.PaymentRefund, error) {
	r, err := w.mutate(ctx, id, op, []models.RefundStatus{models.RefundPending}, func(_ context.Context, _ pgx.Tx, r *models.PaymentRefund, now time.Time) error {
		apply(r, now)
		r.Status = to
		return nil
	})
	if err != nil && errors.Is(err, apperr.ErrInvalidStateTransition) {
		if cur, gerr := w.Get(ctx, id); gerr == nil && cur.Status == to {
			return nil, fmt.Errorf("%w: refund %s already %s", apperr.ErrConflict, cur.Reference, to)
		}
	}
	return r, err
}

// BeginProcessing moves an APPROVED refund to PROCESSING. When the payment was collected through a
// gateway, a REFUND gateway transaction is opened and the original is marked REFUND_INITIATED.
func (w *workflow) BeginProcessing(ctx context.Context, id, processor uuid.UUID, gatewayRefundID string) (*models.PaymentRefund, error) {
	return w.mutate(ctx, id, "process", []models.RefundStatus{models.RefundApproved}, func(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund, now time.Time) error {
		if r.OriginalGatewayTxID != nil {
			orig, err := w.gateway.TransitionTx(ctx, tx, *r.OriginalGatewayTxID, gateway.TransitionInput{Status: models.GatewayRefundInitiated})
			if err != nil {
				return fmt.Errorf("original gateway transaction: %w", err)
			}
			req, _ := json.Marshal(map[string]string{"refund_reference": r.Reference, "amount": r.RefundAmount.String()})
			gtx, err := w.gateway.CreateTx(ctx, tx, gateway.CreateInput{
				PaymentID:      r.PaymentID,
				Provider:       orig.Provider,
				Type:           models.GatewayTxRefund,
				Amount:         r.RefundAmount,
				Currency:       r.Currency,
				RequestPayload: req,
				ParentID:       &orig.ID,
			})
			if err != nil {
				return err
			}
			if _, err := w.gateway.TransitionTx(ctx, tx, gtx.ID, gateway.TransitionInput{
				Status:                models.GatewayProcessing,
				ProviderTransactionID: gatewayRefundID,
			}); err != nil {
				return err
			}
			r.GatewayTxID = &gtx.ID
		}
		if gatewayRefundID != "" {
			r.GatewayRefundID = &gatewayRefundID
		}
		r.ProcessedBy = &processor
		r.ProcessingAt = &now
		r.Status = models.RefundProcessing
		return nil
	})
}

// Complete finalizes a PROCESSING refund: the ledger debit, the payment's refund totals and the
// gateway status updates are written in the same transaction as the status change.
func (w *workflow) Complete(ctx context.Context, id uuid.UUID, in CompleteInput) (*models.PaymentRefund, error) {
	if !in.ProcessedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: processed amount must be positive, got %s", apperr.ErrInvalidAmount, in.ProcessedAmount)
	}
	if in.Fee != nil && in.Fee.IsNegative() {
		return nil, fmt.Errorf("%w: processing fee must not be negative", apperr.ErrInvalidAmount)
	}
	return w.mutate(ctx, id, "complete", []models.RefundStatus{models.RefundProcessing}, func(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund, now time.Time) error {
		if in.ProcessedAmount.GreaterThan(r.RefundAmount) {
			return fmt.Errorf("%w: processed %s exceeds approved refund %s", apperr.ErrInvalidAmount, in.ProcessedAmount, r.RefundAmount)
		}
		paymentID := r.PaymentID
		entry, err := w.ledger.PostEntryTx(ctx, tx, ledger.PostInput{
			StudentID:   r.StudentID,
			HostelID:    r.HostelID,
			Actor:       actorOf(r),
			Kind:        models.EntryKindDebit,
			Category:    models.CategoryRefund,
			Amount:      in.ProcessedAmount,
			Currency:    r.Currency,
			Description: "Refund " + r.Reference + ": " + r.Reason,
			PaymentID:   &paymentID,
		})
		if err != nil {
			return err
		}
		p, err := w.payments.ApplyRefund(ctx, tx, r.PaymentID, in.ProcessedAmount)
		if err != nil {
			return err
		}
		if r.GatewayTxID != nil {
			ti := gateway.TransitionInput{Status: models.GatewaySuccess, ResponsePayload: in.GatewayResponse}
			if in.Fee != nil {
				ti.Fees = &gateway.Fees{GatewayFee: *in.Fee}
			}
			if _, err := w.gateway.TransitionTx(ctx, tx, *r.GatewayTxID, ti); err != nil {
				return err
			}
		}
		if r.OriginalGatewayTxID != nil && p.IsRefunded {
			if _, err := w.gateway.TransitionTx(ctx, tx, *r.OriginalGatewayTxID, gateway.TransitionInput{Status: models.GatewayRefunded}); err != nil {
				return err
			}
		}
		processed := in.ProcessedAmount
		r.ProcessedAmount = &processed
		r.ProcessingFee = in.Fee
		if in.TransactionID != "" {
			r.TransactionID = &in.TransactionID
		}
		r.GatewayResponse = in.GatewayResponse
		r.LedgerEntryID = &entry.ID
		r.CompletedAt = &now
		r.Status = models.RefundCompleted
		return nil
	})
}

// Fail records a provider-side failure. The ledger is not touched.
func (w *workflow) Fail(ctx context.Context, id uuid.UUID, code, message string) (*models.PaymentRefund, error) {
	if code == "" || message == "" {
		return nil, fmt.Errorf("%w: error code and message are required", apperr.ErrInvalidArgument)
	}
	return w.mutate(ctx, id, "fail", []models.RefundStatus{models.RefundProcessing}, func(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund, now time.Time) error {
		if r.GatewayTxID != nil {
			if _, err := w.gateway.TransitionTx(ctx, tx, *r.GatewayTxID, gateway.TransitionInput{
				Status: models.GatewayFailed, ErrorCode: code, ErrorMessage: message, ErrorSource: "refund",
			}); err != nil {
				return err
			}
		}
		r.ErrorCode = &code
		r.ErrorMessage = &message
		r.FailedAt = &now
		r.Status = models.RefundFailed
		return nil
	})
}

func (w *workflow) Cancel(ctx context.Context, id, actor uuid.UUID, reason string) (*models.PaymentRefund, error) {
	from := []models.RefundStatus{models.RefundPending, models.RefundApproved, models.RefundProcessing}
	return w.mutate(ctx, id, "cancel", from, func(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund, now time.Time) error {
		if r.GatewayTxID != nil {
			if _, err := w.gateway.TransitionTx(ctx, tx, *r.GatewayTxID, gateway.TransitionInput{Status: models.GatewayCancelled}); err != nil {
				return err
			}
		}
		if r.ProcessedBy == nil {
			r.ProcessedBy = &actor
		}
		r.CancelReason = reason
		r.CancelledAt = &now
		r.Status = models.RefundCancelled
		return nil
	})
}

func (w *workflow) Get(ctx context.Context, id uuid.UUID) (*models.PaymentRefund, error) {
	var out *models.PaymentRefund
	err := w.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = w.repo.Get(ctx, tx, id)
		return err
	})
	return out, err
}

func (w *workflow) GetByReference(ctx context.Context, ref string) (*models.PaymentRefund, error) {
	var out *models.PaymentRefund
	err := w.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = w.repo.GetByReference(ctx, tx, ref)
		return err
	})
	return out, err
}

func (w *workflow) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.PaymentRefund, error) {
	var out []*models.PaymentRefund
	err := w.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = w.repo.ListByPayment(ctx, tx, paymentID)
		return err
	})
	return out, err
}

func actorOf(r *models.PaymentRefund) uuid.UUID {
	if r.ProcessedBy != nil {
		return *r.ProcessedBy
	}
	return r.RequestedBy
}
