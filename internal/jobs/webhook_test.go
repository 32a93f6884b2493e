package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/database/dbtest"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
)

type fakeGateway struct {
	mu       sync.Mutex
	txs      map[uuid.UUID]*models.GatewayTransaction
	events   map[uuid.UUID]*models.WebhookEvent
	verified map[uuid.UUID]models.VerificationMethod
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		txs:      make(map[uuid.UUID]*models.GatewayTransaction),
		events:   make(map[uuid.UUID]*models.WebhookEvent),
		verified: make(map[uuid.UUID]models.VerificationMethod),
	}
}

func (f *fakeGateway) Get(_ context.Context, id uuid.UUID) (*models.GatewayTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.txs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeGateway) GetWebhook(_ context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return ev, nil
}

func (f *fakeGateway) TransitionTx(_ context.Context, _ pgx.Tx, id uuid.UUID, in gateway.TransitionInput) (*models.GatewayTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.txs[id]
	if g.Status != in.Status {
		if !gateway.CanTransition(g.Status, in.Status) {
			return nil, apperr.ErrInvalidStateTransition
		}
		g.Status = in.Status
	}
	if in.Fees != nil {
		net := g.Amount.Sub(in.Fees.GatewayFee).Sub(in.Fees.Tax)
		g.NetAmount = &net
	}
	cp := *g
	return &cp, nil
}

func (f *fakeGateway) Verify(_ context.Context, id uuid.UUID, m models.VerificationMethod) (*models.GatewayTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[id] = m
	cp := *f.txs[id]
	return &cp, nil
}

type fakeLedger struct {
	mu    sync.Mutex
	posts []ledger.PostInput
}

func (f *fakeLedger) PostEntryTx(_ context.Context, _ pgx.Tx, in ledger.PostInput) (*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, in)
	return &models.LedgerEntry{ID: uuid.New(), Reference: "LED-20250314-000001", Amount: in.Amount}, nil
}

type fakePayments struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Payment
}

func (f *fakePayments) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePayments) set(id uuid.UUID, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if p.Status != models.PaymentStatusPending && p.Status != models.PaymentStatusFailed {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (f *fakePayments) MarkCompleted(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	return f.set(id, models.PaymentStatusCompleted)
}

type webhookFixture struct {
	worker   *WebhookWorker
	gateway  *fakeGateway
	ledger   *fakeLedger
	payments *fakePayments
	payment  *models.Payment
	tx       *models.GatewayTransaction
}

func newWebhookFixture(status models.GatewayStatus) *webhookFixture {
	f := &webhookFixture{
		gateway:  newFakeGateway(),
		ledger:   &fakeLedger{},
		payments: &fakePayments{rows: make(map[uuid.UUID]*models.Payment)},
	}
	f.payment = &models.Payment{
		ID: uuid.New(), StudentID: uuid.New(), HostelID: uuid.New(),
		Amount: decimal.RequireFromString("5000"), Currency: "INR", Status: models.PaymentStatusPending,
	}
	f.payments.rows[f.payment.ID] = f.payment
	f.tx = &models.GatewayTransaction{
		ID: uuid.New(), Reference: "GTX-RAZORPAY-20250314-000001", PaymentID: f.payment.ID,
		Provider: models.ProviderRazorpay, Type: models.GatewayTxPayment, Status: status,
		Amount: f.payment.Amount, Currency: "INR",
	}
	f.gateway.txs[f.tx.ID] = f.tx
	runner := database.NewRunner(&dbtest.Beginner{}, 1, nil)
	f.worker = NewWebhookWorker(runner, f.gateway, f.ledger, f.payments, nil)
	return f
}

// attempt adds another gateway transaction for the same payment.
func (f *webhookFixture) attempt(status models.GatewayStatus) *models.GatewayTransaction {
	g := *f.tx
	g.ID = uuid.New()
	g.Reference = "GTX-RAZORPAY-20250314-000002"
	g.Status = status
	f.gateway.txs[g.ID] = &g
	return &g
}

func (f *webhookFixture) event(payload string, valid bool) *river.Job[ProcessWebhookArgs] {
	return f.eventFor(f.tx.ID, payload, valid)
}

func (f *webhookFixture) eventFor(txID uuid.UUID, payload string, valid bool) *river.Job[ProcessWebhookArgs] {
	ev := &models.WebhookEvent{
		ID: uuid.New(), TransactionID: txID, Provider: models.ProviderRazorpay,
		EventType: "payment.captured", Payload: json.RawMessage(payload), SignatureValid: valid,
	}
	var body struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(ev.Payload, &body) == nil && body.Event != "" {
		ev.EventType = body.Event
	}
	f.gateway.events[ev.ID] = ev
	return &river.Job[ProcessWebhookArgs]{Args: ProcessWebhookArgs{EventID: ev.ID, TransactionID: txID}}
}

const failed = `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","status":"failed",
	"error_code":"BAD_REQUEST_ERROR","error_description":"Payment was unsuccessful"}}}}`

const captured = `{"id":"evt_1","event":"payment.captured","payload":{"payment":{"entity":{
	"id":"pay_1","order_id":"order_1","status":"captured","amount":500000,"fee":11800,"tax":1800}}}}`

func TestWebhookWorker_CapturedCreditsOnce(t *testing.T) {
	f := newWebhookFixture(models.GatewayPending)
	ctx := context.Background()

	if err := f.worker.Work(ctx, f.event(captured, true)); err != nil {
		t.Fatalf("work: %v", err)
	}
	if f.tx.Status != models.GatewaySuccess {
		t.Errorf("gateway status: %s", f.tx.Status)
	}
	if !f.tx.NetAmount.Equal(decimal.RequireFromString("4864")) {
		t.Errorf("net: %s", f.tx.NetAmount)
	}
	if f.payment.Status != models.PaymentStatusCompleted {
		t.Errorf("payment status: %s", f.payment.Status)
	}
	if len(f.ledger.posts) != 1 {
		t.Fatalf("ledger posts: %d", len(f.ledger.posts))
	}
	p := f.ledger.posts[0]
	if p.Kind != models.EntryKindCredit || p.Category != models.CategoryPayment || p.StudentID != f.payment.StudentID || !p.Amount.Equal(f.payment.Amount) {
		t.Errorf("post: %+v", p)
	}
	if f.gateway.verified[f.tx.ID] != models.VerifyWebhook {
		t.Error("transaction not verified by webhook")
	}

	// Redelivery: same status, payment already completed, nothing new posted.
	if err := f.worker.Work(ctx, f.event(captured, true)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.ledger.posts) != 1 {
		t.Errorf("redelivery posted again: %d", len(f.ledger.posts))
	}
}

func TestWebhookWorker_StaleEventIgnored(t *testing.T) {
	f := newWebhookFixture(models.GatewaySuccess)
	f.payment.Status = models.PaymentStatusCompleted
	created := `{"event":"payment.authorized","payload":{"payment":{"entity":{"id":"pay_1","status":"authorized"}}}}`
	if err := f.worker.Work(context.Background(), f.event(created, true)); err != nil {
		t.Fatalf("stale event should be acknowledged, got %v", err)
	}
	if f.tx.Status != models.GatewaySuccess || len(f.ledger.posts) != 0 {
		t.Errorf("stale event had an effect: %s, %d posts", f.tx.Status, len(f.ledger.posts))
	}
}

func TestWebhookWorker_InvalidSignatureIgnored(t *testing.T) {
	f := newWebhookFixture(models.GatewayPending)
	if err := f.worker.Work(context.Background(), f.event(captured, false)); err != nil {
		t.Fatal(err)
	}
	if f.tx.Status != models.GatewayPending || len(f.ledger.posts) != 0 {
		t.Error("unsigned webhook acted upon")
	}
}

func TestWebhookWorker_FailedAttemptLeavesPaymentPending(t *testing.T) {
	f := newWebhookFixture(models.GatewayProcessing)
	if err := f.worker.Work(context.Background(), f.event(failed, true)); err != nil {
		t.Fatal(err)
	}
	if f.tx.Status != models.GatewayFailed {
		t.Errorf("gateway status: %s", f.tx.Status)
	}
	if f.payment.Status != models.PaymentStatusPending {
		t.Errorf("payment status after one failed attempt: %s", f.payment.Status)
	}
	if len(f.ledger.posts) != 0 {
		t.Error("failure posted to ledger")
	}
}

func TestWebhookWorker_RetryAfterFailedAttemptCredits(t *testing.T) {
	f := newWebhookFixture(models.GatewayProcessing)
	ctx := context.Background()
	if err := f.worker.Work(ctx, f.event(failed, true)); err != nil {
		t.Fatalf("failed attempt: %v", err)
	}

	second := f.attempt(models.GatewayPending)
	if err := f.worker.Work(ctx, f.eventFor(second.ID, captured, true)); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if got := f.gateway.txs[second.ID].Status; got != models.GatewaySuccess {
		t.Errorf("second attempt status: %s", got)
	}
	if f.tx.Status != models.GatewayFailed {
		t.Errorf("first attempt status: %s", f.tx.Status)
	}
	if f.payment.Status != models.PaymentStatusCompleted {
		t.Errorf("payment status: %s", f.payment.Status)
	}
	if len(f.ledger.posts) != 1 || !f.ledger.posts[0].Amount.Equal(f.payment.Amount) {
		t.Fatalf("ledger posts: %+v", f.ledger.posts)
	}
}

func TestWebhookWorker_CaptureAfterPaymentFailedCredits(t *testing.T) {
	f := newWebhookFixture(models.GatewayPending)
	// The payment service gave up on the payment before the capture arrived.
	f.payment.Status = models.PaymentStatusFailed
	if err := f.worker.Work(context.Background(), f.event(captured, true)); err != nil {
		t.Fatal(err)
	}
	if f.payment.Status != models.PaymentStatusCompleted || len(f.ledger.posts) != 1 {
		t.Errorf("payment %s, %d posts", f.payment.Status, len(f.ledger.posts))
	}
}

func TestWebhookWorker_CaptureBeforePendingWalksForward(t *testing.T) {
	f := newWebhookFixture(models.GatewayInitiated)
	if err := f.worker.Work(context.Background(), f.event(captured, true)); err != nil {
		t.Fatalf("early capture: %v", err)
	}
	if f.tx.Status != models.GatewaySuccess {
		t.Errorf("gateway status: %s", f.tx.Status)
	}
	if f.payment.Status != models.PaymentStatusCompleted {
		t.Errorf("payment status: %s", f.payment.Status)
	}
	if len(f.ledger.posts) != 1 {
		t.Fatalf("ledger posts: %d", len(f.ledger.posts))
	}
	if f.gateway.verified[f.tx.ID] != models.VerifyWebhook {
		t.Error("transaction not verified by webhook")
	}
}

const refunded = `{"event":"refund.processed","payload":{"payment":{"entity":{"id":"pay_1","status":"refunded"}}}}`

func TestWebhookWorker_RefundBeforeCaptureSnoozed(t *testing.T) {
	f := newWebhookFixture(models.GatewayPending)
	err := f.worker.Work(context.Background(), f.event(refunded, true))
	if err == nil {
		t.Fatal("refund ahead of capture should be snoozed, got nil")
	}
	if f.tx.Status != models.GatewayPending || len(f.ledger.posts) != 0 {
		t.Errorf("snoozed event had an effect: %s, %d posts", f.tx.Status, len(f.ledger.posts))
	}
	if _, ok := f.gateway.verified[f.tx.ID]; ok {
		t.Error("snoozed event verified the transaction")
	}
}

func TestWebhookWorker_EarlyEventGivesUp(t *testing.T) {
	f := newWebhookFixture(models.GatewayPending)
	job := f.event(refunded, true)
	job.JobRow = &rivertype.JobRow{Attempt: MaxEarlyAttempts}
	if err := f.worker.Work(context.Background(), job); err != nil {
		t.Fatalf("exhausted early event should be acknowledged, got %v", err)
	}
	if f.tx.Status != models.GatewayPending {
		t.Errorf("gateway status: %s", f.tx.Status)
	}
}

func TestWebhookWorker_UnknownEventCancelled(t *testing.T) {
	f := newWebhookFixture(models.GatewayPending)
	job := &river.Job[ProcessWebhookArgs]{Args: ProcessWebhookArgs{EventID: uuid.New(), TransactionID: f.tx.ID}}
	if err := f.worker.Work(context.Background(), job); err == nil {
		t.Fatal("missing event should cancel the job")
	}
	if len(f.ledger.posts) != 0 {
		t.Error("ledger touched")
	}
}

func TestEnqueueOnWebhook(t *testing.T) {
	var got ProcessWebhookArgs
	hook := EnqueueOnWebhook(func(_ context.Context, _ pgx.Tx, args ProcessWebhookArgs) error {
		got = args
		return nil
	})
	ev := &models.WebhookEvent{ID: uuid.New(), TransactionID: uuid.New()}
	if err := hook(context.Background(), nil, ev); err != nil {
		t.Fatal(err)
	}
	if got.EventID != ev.ID || got.TransactionID != ev.TransactionID {
		t.Errorf("args: %+v", got)
	}
}
