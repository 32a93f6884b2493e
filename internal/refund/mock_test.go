package refund

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/database/dbtest"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reference"
)

type memRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.PaymentRefund
	seq  []uuid.UUID
}

func newMemRepo() *memRepo { return &memRepo{rows: make(map[uuid.UUID]models.PaymentRefund)} }

func (m *memRepo) Insert(_ context.Context, _ pgx.Tx, r *models.PaymentRefund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = *r
	m.seq = append(m.seq, r.ID)
	return nil
}

func (m *memRepo) Get(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.PaymentRefund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &r, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentRefund, error) {
	return m.Get(ctx, tx, id)
}

func (m *memRepo) GetByReference(_ context.Context, _ pgx.Tx, ref string) (*models.PaymentRefund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Reference == ref {
			return &r, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *memRepo) Update(_ context.Context, _ pgx.Tx, r *models.PaymentRefund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = *r
	return nil
}

func (m *memRepo) ListByPayment(_ context.Context, _ pgx.Tx, paymentID uuid.UUID) ([]*models.PaymentRefund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PaymentRefund
	for _, id := range m.seq {
		if r := m.rows[id]; r.PaymentID == paymentID {
			out = append(out, &r)
		}
	}
	return out, nil
}

type memPayments struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Payment
}

func (m *memPayments) add(p models.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
}

func (m *memPayments) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &p, nil
}

func (m *memPayments) ApplyRefund(_ context.Context, _ pgx.Tx, id uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	p.RefundAmount = p.RefundAmount.Add(amount)
	if p.RefundAmount.GreaterThanOrEqual(p.Amount) {
		p.IsRefunded = true
		p.Status = models.PaymentStatusRefunded
	}
	m.rows[id] = p
	return &p, nil
}

type fakeLedger struct {
	mu    sync.Mutex
	posts []ledger.PostInput
}

func (f *fakeLedger) PostEntryTx(_ context.Context, _ pgx.Tx, in ledger.PostInput) (*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, in)
	return &models.LedgerEntry{ID: uuid.New(), Kind: in.Kind, Category: in.Category, Amount: in.Amount.Neg()}, nil
}

// fakeGateway applies the real transition table without persistence.
type fakeGateway struct {
	mu  sync.Mutex
	txs map[uuid.UUID]*models.GatewayTransaction
}

func (f *fakeGateway) add(g *models.GatewayTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[g.ID] = g
}

func (f *fakeGateway) get(id uuid.UUID) models.GatewayTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.txs[id]
}

func (f *fakeGateway) CreateTx(_ context.Context, _ pgx.Tx, in gateway.CreateInput) (*models.GatewayTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &models.GatewayTransaction{
		ID: uuid.New(), PaymentID: in.PaymentID, Provider: in.Provider, Type: in.Type,
		Status: models.GatewayInitiated, Amount: in.Amount, Currency: in.Currency, ParentTransactionID: in.ParentID,
	}
	f.txs[g.ID] = g
	cp := *g
	return &cp, nil
}

func (f *fakeGateway) TransitionTx(_ context.Context, _ pgx.Tx, id uuid.UUID, in gateway.TransitionInput) (*models.GatewayTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.txs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if g.Status != in.Status {
		if !gateway.CanTransition(g.Status, in.Status) {
			return nil, apperr.ErrInvalidStateTransition
		}
		g.Status = in.Status
	}
	cp := *g
	return &cp, nil
}

type fixture struct {
	wf       *workflow
	repo     *memRepo
	payments *memPayments
	ledger   *fakeLedger
	gateway  *fakeGateway
}

func newFixture() *fixture {
	f := &fixture{
		repo:     newMemRepo(),
		payments: &memPayments{rows: make(map[uuid.UUID]models.Payment)},
		ledger:   &fakeLedger{},
		gateway:  &fakeGateway{txs: make(map[uuid.UUID]*models.GatewayTransaction)},
	}
	runner := database.NewRunner(&dbtest.Beginner{}, 1, nil)
	f.wf = newWorkflow(runner, f.repo, f.payments, f.ledger, f.gateway, reference.NewMemorySequencer(), nil)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// paidPayment registers a completed payment collected through a SUCCESS razorpay transaction.
func (f *fixture) paidPayment(amount string) (models.Payment, *models.GatewayTransaction) {
	p := models.Payment{
		ID: uuid.New(), StudentID: uuid.New(), HostelID: uuid.New(),
		Amount: dec(amount), Currency: "INR", Status: models.PaymentStatusCompleted,
	}
	f.payments.add(p)
	g := &models.GatewayTransaction{
		ID: uuid.New(), PaymentID: p.ID, Provider: models.ProviderRazorpay, Type: models.GatewayTxPayment,
		Status: models.GatewaySuccess, Amount: p.Amount, Currency: "INR",
	}
	f.gateway.add(g)
	return p, g
}
