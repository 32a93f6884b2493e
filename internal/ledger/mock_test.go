package ledger

import (
	"context"
	"fmt"
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

// ---------------------------------------------------------------------------
// In-memory Repository. Transactions are ignored; the service's keyed lock is
// the only thing serializing posts, which is exactly what the tests exercise.
// ---------------------------------------------------------------------------

type memRepo struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
	byID    map[uuid.UUID]*models.LedgerEntry
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[uuid.UUID]*models.LedgerEntry)}
}

func (m *memRepo) LockStream(context.Context, pgx.Tx, uuid.UUID, uuid.UUID) error { return nil }

func (m *memRepo) Balance(_ context.Context, _ pgx.Tx, studentID, hostelID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, e := range m.entries {
		if e.StudentID == studentID && e.HostelID == hostelID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (m *memRepo) Insert(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byID[e.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("ledger entry: %w", apperr.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error) {
	return m.Get(ctx, tx, id)
}

func (m *memRepo) MarkReversed(_ context.Context, _ pgx.Tx, id, reversalID uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.byID[id]
	if e.IsReversed {
		return errReversedConcurrently
	}
	e.IsReversed = true
	e.ReversalEntryID = &reversalID
	e.ReversalReason = reason
	e.ReversedAt = &at
	return nil
}

func (m *memRepo) MarkReconciled(_ context.Context, _ pgx.Tx, id, actor uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.byID[id]
	e.IsReconciled = true
	e.ReconciledAt = &at
	e.ReconciledBy = &actor
	return nil
}

func (m *memRepo) ListStream(_ context.Context, _ pgx.Tx, studentID, hostelID uuid.UUID) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.StudentID == studentID && e.HostelID == hostelID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) ListByHostel(_ context.Context, _ pgx.Tx, hostelID uuid.UUID, rng models.DateRange) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.HostelID == hostelID && rng.Contains(e.PostedAt) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StudentID.String() < out[j].StudentID.String() })
	return out, nil
}

func (m *memRepo) ListUnreconciled(_ context.Context, _ pgx.Tx, hostelID uuid.UUID, postedBefore time.Time) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.HostelID == hostelID && !e.IsReconciled && e.PostedAt.Before(postedBefore) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) ListHostels(context.Context, pgx.Tx) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, e := range m.entries {
		if !seen[e.HostelID] {
			seen[e.HostelID] = true
			out = append(out, e.HostelID)
		}
	}
	return out, nil
}

// tamper rewrites a stored entry, simulating corrupted history.
func (m *memRepo) tamper(id uuid.UUID, fn func(e *models.LedgerEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.byID[id])
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestService() (*service, *memRepo) {
	repo := newMemRepo()
	runner := database.NewRunner(&dbtest.Beginner{}, 1, nil)
	return newService(runner, repo, reference.NewMemorySequencer(), "INR", nil), repo
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func credit(student, hostel uuid.UUID, amount string) PostInput {
	return PostInput{
		StudentID: student, HostelID: hostel, Actor: uuid.New(),
		Kind: models.EntryKindCredit, Category: models.CategoryPayment, Amount: dec(amount),
	}
}

func debit(student, hostel uuid.UUID, amount string) PostInput {
	return PostInput{
		StudentID: student, HostelID: hostel, Actor: uuid.New(),
		Kind: models.EntryKindDebit, Category: models.CategoryFeeCharge, Amount: dec(amount),
	}
}
