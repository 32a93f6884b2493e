package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/database/dbtest"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reference"
)

// memRepo keeps copies so that a failed call leaves stored rows untouched, as a rolled back tx would.
type memRepo struct {
	mu       sync.Mutex
	txs      map[uuid.UUID]models.GatewayTransaction
	webhooks []models.WebhookEvent
}

func newMemRepo() *memRepo {
	return &memRepo{txs: make(map[uuid.UUID]models.GatewayTransaction)}
}

func (m *memRepo) Insert(_ context.Context, _ pgx.Tx, g *models.GatewayTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[g.ID] = *g
	return nil
}

func (m *memRepo) Get(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.GatewayTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.txs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &g, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GatewayTransaction, error) {
	return m.Get(ctx, tx, id)
}

func (m *memRepo) GetByReference(_ context.Context, _ pgx.Tx, ref string) (*models.GatewayTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.txs {
		if g.Reference == ref {
			return &g, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *memRepo) FindByProviderID(_ context.Context, _ pgx.Tx, provider models.GatewayProvider, pid string) (*models.GatewayTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match := func(p *string) bool { return p != nil && *p == pid }
	for _, g := range m.txs {
		if g.Provider == provider && (match(g.ProviderOrderID) || match(g.ProviderPaymentID) || match(g.ProviderTransactionID)) {
			return &g, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *memRepo) Update(_ context.Context, _ pgx.Tx, g *models.GatewayTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[g.ID]; !ok {
		return apperr.ErrNotFound
	}
	m.txs[g.ID] = *g
	return nil
}

func (m *memRepo) InsertWebhook(_ context.Context, _ pgx.Tx, ev *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.webhooks {
		if w.TransactionID == ev.TransactionID && w.DedupKey == ev.DedupKey {
			return false, nil
		}
	}
	m.webhooks = append(m.webhooks, *ev)
	return true, nil
}

func (m *memRepo) GetWebhook(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.webhooks {
		if w.ID == id {
			return &w, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *memRepo) ListWebhooks(_ context.Context, _ pgx.Tx, txID uuid.UUID) ([]*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookEvent
	for i := range m.webhooks {
		if m.webhooks[i].TransactionID == txID {
			w := m.webhooks[i]
			out = append(out, &w)
		}
	}
	return out, nil
}

func (m *memRepo) filter(keep func(g *models.GatewayTransaction) bool) []*models.GatewayTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GatewayTransaction
	for _, g := range m.txs {
		g := g
		if keep(&g) {
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out
}

func (m *memRepo) ListUnverified(_ context.Context, _ pgx.Tx, before time.Time) ([]*models.GatewayTransaction, error) {
	return m.filter(func(g *models.GatewayTransaction) bool {
		return g.Status.Succeeded() && !g.IsVerified && g.InitiatedAt.Before(before)
	}), nil
}

func (m *memRepo) ListUnsettled(_ context.Context, _ pgx.Tx, before time.Time) ([]*models.GatewayTransaction, error) {
	return m.filter(func(g *models.GatewayTransaction) bool {
		return g.Status.Succeeded() && g.Type == models.GatewayTxPayment && g.SettlementID == nil &&
			g.CompletedAt != nil && g.CompletedAt.Before(before)
	}), nil
}

func (m *memRepo) ListDueRetries(_ context.Context, _ pgx.Tx, now time.Time) ([]*models.GatewayTransaction, error) {
	return m.filter(func(g *models.GatewayTransaction) bool {
		return g.Status == models.GatewayFailed && g.RetryCount < g.MaxRetries && g.NextRetryAt != nil && !g.NextRetryAt.After(now)
	}), nil
}

func (m *memRepo) ListByRange(_ context.Context, _ pgx.Tx, rng models.DateRange) ([]*models.GatewayTransaction, error) {
	return m.filter(func(g *models.GatewayTransaction) bool { return rng.Contains(g.InitiatedAt) }), nil
}

// clock is a settable time source for the tracker.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}

func newTestTracker() (*tracker, *memRepo, *clock) {
	repo := newMemRepo()
	runner := database.NewRunner(&dbtest.Beginner{}, 1, nil)
	tr := newTracker(runner, repo, reference.NewMemorySequencer(), testPolicy, nil, nil)
	c := &clock{t: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)}
	tr.now = c.now
	return tr, repo, c
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func paymentInput(amount string) CreateInput {
	return CreateInput{
		PaymentID: uuid.New(),
		Provider:  models.ProviderRazorpay,
		Type:      models.GatewayTxPayment,
		Amount:    dec(amount),
		Currency:  "INR",
	}
}
