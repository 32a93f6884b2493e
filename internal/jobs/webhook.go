// Package jobs holds the River workers that act on recorded gateway webhooks and run the periodic
// reconciliation pass.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
)

// SystemActor is recorded as posted_by on entries the engine writes on its own behalf.
var SystemActor = uuid.Nil

type ProcessWebhookArgs struct {
	EventID       uuid.UUID `json:"event_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
}

func (ProcessWebhookArgs) Kind() string { return "process_gateway_webhook" }

// InsertWebhookTxFunc enqueues a ProcessWebhook job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertWebhookTxFunc func(ctx context.Context, tx pgx.Tx, args ProcessWebhookArgs) error

// EnqueueOnWebhook adapts insert into the tracker's after-webhook hook, so the job row commits
// together with the webhook record.
func EnqueueOnWebhook(insert InsertWebhookTxFunc) gateway.AfterWebhookFunc {
	return func(ctx context.Context, tx pgx.Tx, ev *models.WebhookEvent) error {
		return insert(ctx, tx, ProcessWebhookArgs{EventID: ev.ID, TransactionID: ev.TransactionID})
	}
}

type GatewayService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error)
	GetWebhook(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, in gateway.TransitionInput) (*models.GatewayTransaction, error)
	Verify(ctx context.Context, id uuid.UUID, method models.VerificationMethod) (*models.GatewayTransaction, error)
}

type LedgerPoster interface {
	PostEntryTx(ctx context.Context, tx pgx.Tx, in ledger.PostInput) (*models.LedgerEntry, error)
}

type PaymentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
}

type WebhookWorker struct {
	river.WorkerDefaults[ProcessWebhookArgs]
	tx       *database.Runner
	gateway  GatewayService
	ledger   LedgerPoster
	payments PaymentStore
	logger   *slog.Logger
}

func NewWebhookWorker(runner *database.Runner, g GatewayService, l LedgerPoster, payments PaymentStore, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{tx: runner, gateway: g, ledger: l, payments: payments, logger: logger}
}

// Work interprets one stored webhook. Providers redeliver and reorder events: a status the
// transaction already holds, or one it has moved past, is acknowledged without effect, and one
// ahead of it is caught up to (see catchUp).
func (w *WebhookWorker) Work(ctx context.Context, job *river.Job[ProcessWebhookArgs]) error {
	args := job.Args
	ev, err := w.gateway.GetWebhook(ctx, args.EventID)
	if err != nil {
		return w.settle(err)
	}
	g, err := w.gateway.Get(ctx, args.TransactionID)
	if err != nil {
		return w.settle(err)
	}
	log := w.logger.With("reference", g.Reference, "event_type", ev.EventType, "event_id", ev.ID)
	if !ev.SignatureValid {
		log.Warn("ignoring webhook with invalid signature")
		return nil
	}

	pe := gateway.Extract(g.Provider, ev.Payload)
	status, ok := gateway.MapStatus(g.Provider, pe.Status, ev.EventType)
	if !ok {
		log.Info("webhook carries no status change", "provider_status", pe.Status)
		return nil
	}
	in := gateway.TransitionInput{
		Status:            status,
		ProviderOrderID:   pe.OrderID,
		ProviderPaymentID: pe.PaymentID,
		CallbackPayload:   ev.Payload,
		MethodDetail:      pe.Method,
	}
	if pe.Fee != nil || pe.Tax != nil {
		f := gateway.Fees{}
		if pe.Fee != nil {
			f.GatewayFee = *pe.Fee
		}
		if pe.Tax != nil {
			f.Tax = *pe.Tax
		}
		in.Fees = &f
	}
	if status == models.GatewayFailed {
		in.ErrorCode, in.ErrorMessage, in.ErrorSource = pe.ErrorCode, pe.ErrorMessage, "gateway"
		if in.ErrorCode == "" {
			in.ErrorCode = "PROVIDER_FAILURE"
		}
		if in.ErrorMessage == "" {
			in.ErrorMessage = ev.EventType
		}
	}

	err = w.apply(ctx, g.ID, nil, in)
	if errors.Is(err, apperr.ErrInvalidStateTransition) {
		err = w.catchUp(ctx, job, g, in, log)
	}
	if err != nil {
		return w.settle(err)
	}
	if _, err := w.gateway.Verify(ctx, g.ID, models.VerifyWebhook); err != nil {
		return fmt.Errorf("verify %s: %w", g.Reference, err)
	}
	return nil
}

// apply moves the transaction through steps and then to in.Status in one database transaction,
// crediting the payment when a PAYMENT transaction reaches SUCCESS. A failed attempt leaves the
// Payment alone: the payment service may still collect it through another attempt.
func (w *WebhookWorker) apply(ctx context.Context, id uuid.UUID, steps []models.GatewayStatus, in gateway.TransitionInput) error {
	return w.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, s := range steps {
			if _, err := w.gateway.TransitionTx(ctx, tx, id, gateway.TransitionInput{Status: s}); err != nil {
				return err
			}
		}
		updated, err := w.gateway.TransitionTx(ctx, tx, id, in)
		if err != nil {
			return err
		}
		if updated.Type == models.GatewayTxPayment && in.Status == models.GatewaySuccess {
			return w.settlePayment(ctx, tx, updated)
		}
		return nil
	})
}

// catchUp handles an event the transaction cannot take directly. A target it has already moved
// past is acknowledged. A target ahead of it is reached by walking the collection statuses
// (PENDING, PROCESSING) the provider skipped; anything further ahead waits for the owning workflow.
func (w *WebhookWorker) catchUp(ctx context.Context, job *river.Job[ProcessWebhookArgs], g *models.GatewayTransaction, in gateway.TransitionInput, log *slog.Logger) error {
	cur, err := w.gateway.Get(ctx, g.ID)
	if err != nil {
		return err
	}
	path := gateway.Path(cur.Status, in.Status)
	if path == nil {
		log.Info("stale webhook ignored", "status", in.Status, "current", cur.Status)
		return nil
	}
	steps := path[:len(path)-1]
	if collectionOnly(steps) {
		log.Info("early webhook, walking skipped statuses", "status", in.Status, "current", cur.Status, "steps", len(steps))
		return w.apply(ctx, g.ID, steps, in)
	}
	if job.JobRow != nil && job.Attempt >= MaxEarlyAttempts {
		log.Warn("early webhook never became applicable", "status", in.Status, "current", cur.Status)
		return nil
	}
	log.Info("early webhook snoozed", "status", in.Status, "current", cur.Status)
	return river.JobSnooze(EarlySnooze)
}

// MaxEarlyAttempts bounds how often an event ahead of its transaction is snoozed, EarlySnooze
// how long each wait lasts.
var (
	MaxEarlyAttempts = 10
	EarlySnooze      = time.Minute
)

func collectionOnly(steps []models.GatewayStatus) bool {
	for _, s := range steps {
		if s != models.GatewayPending && s != models.GatewayProcessing {
			return false
		}
	}
	return true
}

// settlePayment credits the student once per payment: MarkCompleted only reports a change the
// first time, so redelivered SUCCESS events and a second captured attempt post nothing.
func (w *WebhookWorker) settlePayment(ctx context.Context, tx pgx.Tx, g *models.GatewayTransaction) error {
	changed, err := w.payments.MarkCompleted(ctx, tx, g.PaymentID)
	if err != nil || !changed {
		return err
	}
	p, err := w.payments.GetForUpdate(ctx, tx, g.PaymentID)
	if err != nil {
		return err
	}
	paymentID := g.PaymentID
	e, err := w.ledger.PostEntryTx(ctx, tx, ledger.PostInput{
		StudentID:   p.StudentID,
		HostelID:    p.HostelID,
		Actor:       SystemActor,
		Kind:        models.EntryKindCredit,
		Category:    models.CategoryPayment,
		Amount:      g.Amount,
		Currency:    g.Currency,
		Description: "Payment received via " + string(g.Provider) + " (" + g.Reference + ")",
		PaymentID:   &paymentID,
	})
	if err != nil {
		return err
	}
	w.logger.Info("payment credited", "reference", g.Reference, "entry", e.Reference, "amount", g.Amount.String())
	return nil
}

// settle cancels the job for business errors, which will not change on retry, and lets River
// retry everything else.
func (w *WebhookWorker) settle(err error) error {
	if apperr.IsBusiness(err) {
		w.logger.Warn("webhook job cancelled", "error", err)
		return river.JobCancel(err)
	}
	return err
}
