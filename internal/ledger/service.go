// Package ledger is the per-student, per-hostel append-only ledger: posting, reversal,
// reconciliation marking and balance verification.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reference"
)

// DefaultEpsilon is the rounding tolerance used when comparing stored and recomputed balances.
var DefaultEpsilon = decimal.New(1, -2)

var errReversedConcurrently = fmt.Errorf("%w: reversed concurrently", apperr.ErrAlreadyReversed)

// Repository is the persistence contract of the ledger. Every method runs inside the caller's tx.
type Repository interface {
	LockStream(ctx context.Context, tx pgx.Tx, studentID, hostelID uuid.UUID) error
	Balance(ctx context.Context, tx pgx.Tx, studentID, hostelID uuid.UUID) (decimal.Decimal, error)
	Insert(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error)
	MarkReversed(ctx context.Context, tx pgx.Tx, id, reversalID uuid.UUID, reason string, at time.Time) error
	MarkReconciled(ctx context.Context, tx pgx.Tx, id, actor uuid.UUID, at time.Time) error
	ListStream(ctx context.Context, tx pgx.Tx, studentID, hostelID uuid.UUID) ([]*models.LedgerEntry, error)
	ListByHostel(ctx context.Context, tx pgx.Tx, hostelID uuid.UUID, rng models.DateRange) ([]*models.LedgerEntry, error)
	ListUnreconciled(ctx context.Context, tx pgx.Tx, hostelID uuid.UUID, postedBefore time.Time) ([]*models.LedgerEntry, error)
	ListHostels(ctx context.Context, tx pgx.Tx) ([]uuid.UUID, error)
}

// PostInput describes one entry. Amount is a positive magnitude for debit, credit and writeoff
// (debits are stored negative); adjustments carry their own non-zero sign.
type PostInput struct {
	StudentID       uuid.UUID
	HostelID        uuid.UUID
	Actor           uuid.UUID
	Kind            models.EntryKind
	Category        models.EntryCategory
	Amount          decimal.Decimal
	Currency        string
	Description     string
	TransactionDate time.Time
	PaymentID       *uuid.UUID
}

// DoubleEntryInput posts Amount as a debit under DebitCategory and an equal credit under CreditCategory.
type DoubleEntryInput struct {
	StudentID      uuid.UUID
	HostelID       uuid.UUID
	Actor          uuid.UUID
	DebitCategory  models.EntryCategory
	CreditCategory models.EntryCategory
	Amount         decimal.Decimal
	Currency       string
	Description    string
	PaymentID      *uuid.UUID
}

type Service interface {
	PostEntry(ctx context.Context, in PostInput) (*models.LedgerEntry, error)
	// PostEntryTx joins the caller's transaction; the stream row lock is held until that tx ends.
	PostEntryTx(ctx context.Context, tx pgx.Tx, in PostInput) (*models.LedgerEntry, error)
	PostDoubleEntry(ctx context.Context, in DoubleEntryInput) (debit, credit *models.LedgerEntry, err error)
	ReverseEntry(ctx context.Context, entryID, actor uuid.UUID, reason string) (original, reversal *models.LedgerEntry, err error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error)
	// GetBalance is the sum of all entries; a reversal pair nets to zero.
	GetBalance(ctx context.Context, studentID, hostelID uuid.UUID) (decimal.Decimal, error)
	ListEntries(ctx context.Context, studentID, hostelID uuid.UUID) ([]*models.LedgerEntry, error)
	ListHostelEntries(ctx context.Context, hostelID uuid.UUID, rng models.DateRange) ([]*models.LedgerEntry, error)
	ListUnreconciled(ctx context.Context, hostelID uuid.UUID, olderThan time.Duration) ([]*models.LedgerEntry, error)
	MarkReconciled(ctx context.Context, entryID, actor uuid.UUID) (*models.LedgerEntry, error)
	DetectDiscrepancies(ctx context.Context, hostelID uuid.UUID, rng models.DateRange) ([]models.BalanceMismatch, error)
	// ListHostels returns every hostel that has at least one ledger stream.
	ListHostels(ctx context.Context) ([]uuid.UUID, error)
}

type service struct {
	tx       *database.Runner
	repo     Repository
	seq      reference.Sequencer
	locks    *keyedMutex
	currency string
	epsilon  decimal.Decimal
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(runner *database.Runner, repo Repository, seq reference.Sequencer, currency string, logger *slog.Logger) Service {
	return newService(runner, repo, seq, currency, logger)
}

func newService(runner *database.Runner, repo Repository, seq reference.Sequencer, currency string, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		tx:       runner,
		repo:     repo,
		seq:      seq,
		locks:    newKeyedMutex(),
		currency: currency,
		epsilon:  DefaultEpsilon,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Service = (*service)(nil)

func streamKey(studentID, hostelID uuid.UUID) string {
	return studentID.String() + "/" + hostelID.String()
}

// signedAmount validates in and returns the amount as it will be stored.
func signedAmount(in PostInput) (decimal.Decimal, error) {
	if !in.Category.Valid() || in.Category == models.CategoryReversal {
		return decimal.Zero, fmt.Errorf("%w: category %q", apperr.ErrInvalidArgument, in.Category)
	}
	switch in.Kind {
	case models.EntryKindDebit:
		if !in.Amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: debit amount must be positive, got %s", apperr.ErrInvalidAmount, in.Amount)
		}
		return in.Amount.Neg(), nil
	case models.EntryKindCredit, models.EntryKindWriteoff:
		if !in.Amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s amount must be positive, got %s", apperr.ErrInvalidAmount, in.Kind, in.Amount)
		}
		return in.Amount, nil
	case models.EntryKindAdjustment:
		if in.Amount.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: adjustment amount must be non-zero", apperr.ErrInvalidAmount)
		}
		return in.Amount, nil
	case models.EntryKindReversal:
		return decimal.Zero, fmt.Errorf("%w: reversal entries are created by ReverseEntry", apperr.ErrInvalidArgument)
	}
	return decimal.Zero, fmt.Errorf("%w: entry kind %q", apperr.ErrInvalidArgument, in.Kind)
}

func (s *service) PostEntry(ctx context.Context, in PostInput) (*models.LedgerEntry, error) {
	var out *models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.PostEntryTx(ctx, tx, in)
		return err
	})
	return out, err
}

func (s *service) PostEntryTx(ctx context.Context, tx pgx.Tx, in PostInput) (*models.LedgerEntry, error) {
	amount, err := signedAmount(in)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(streamKey(in.StudentID, in.HostelID))
	defer unlock()
	if err := s.repo.LockStream(ctx, tx, in.StudentID, in.HostelID); err != nil {
		return nil, err
	}
	return s.appendLocked(ctx, tx, in, amount, nil)
}

// appendLocked writes one entry. The caller holds both the in-process and the row lock for the stream.
func (s *service) appendLocked(ctx context.Context, tx pgx.Tx, in PostInput, amount decimal.Decimal, reversalOf *uuid.UUID) (*models.LedgerEntry, error) {
	before, err := s.repo.Balance(ctx, tx, in.StudentID, in.HostelID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ref, err := reference.Generate(ctx, s.seq, tx, reference.ScopeLedger, now)
	if err != nil {
		return nil, err
	}
	currency := in.Currency
	if currency == "" {
		currency = s.currency
	}
	txDate := in.TransactionDate
	if txDate.IsZero() {
		txDate = now
	}
	e := &models.LedgerEntry{
		ID:              uuid.New(),
		Reference:       ref,
		StudentID:       in.StudentID,
		HostelID:        in.HostelID,
		PaymentID:       in.PaymentID,
		Kind:            in.Kind,
		Category:        in.Category,
		Amount:          amount,
		Currency:        currency,
		BalanceBefore:   before,
		BalanceAfter:    before.Add(amount),
		Description:     in.Description,
		TransactionDate: txDate,
		PostedAt:        now,
		PostedBy:        in.Actor,
		ReversalOf:      reversalOf,
	}
	if err := s.repo.Insert(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *service) PostDoubleEntry(ctx context.Context, in DoubleEntryInput) (*models.LedgerEntry, *models.LedgerEntry, error) {
	debitIn := PostInput{
		StudentID: in.StudentID, HostelID: in.HostelID, Actor: in.Actor,
		Kind: models.EntryKindDebit, Category: in.DebitCategory, Amount: in.Amount,
		Currency: in.Currency, Description: in.Description, PaymentID: in.PaymentID,
	}
	creditIn := debitIn
	creditIn.Kind = models.EntryKindCredit
	creditIn.Category = in.CreditCategory

	debitAmt, err := signedAmount(debitIn)
	if err != nil {
		return nil, nil, err
	}
	creditAmt, err := signedAmount(creditIn)
	if err != nil {
		return nil, nil, err
	}

	var debit, credit *models.LedgerEntry
	err = s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		unlock := s.locks.Lock(streamKey(in.StudentID, in.HostelID))
		defer unlock()
		if err := s.repo.LockStream(ctx, tx, in.StudentID, in.HostelID); err != nil {
			return err
		}
		var err error
		if debit, err = s.appendLocked(ctx, tx, debitIn, debitAmt, nil); err != nil {
			return err
		}
		credit, err = s.appendLocked(ctx, tx, creditIn, creditAmt, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

func (s *service) ReverseEntry(ctx context.Context, entryID, actor uuid.UUID, reason string) (*models.LedgerEntry, *models.LedgerEntry, error) {
	if reason == "" {
		return nil, nil, fmt.Errorf("%w: reversal reason is required", apperr.ErrInvalidArgument)
	}
	var original, reversal *models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		peek, err := s.repo.Get(ctx, tx, entryID)
		if err != nil {
			return err
		}
		unlock := s.locks.Lock(streamKey(peek.StudentID, peek.HostelID))
		defer unlock()
		if err := s.repo.LockStream(ctx, tx, peek.StudentID, peek.HostelID); err != nil {
			return err
		}
		e, err := s.repo.GetForUpdate(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.IsReversed {
			return fmt.Errorf("entry %s: %w", e.Reference, apperr.ErrAlreadyReversed)
		}
		if e.Kind == models.EntryKindReversal {
			return fmt.Errorf("%w: entry %s is itself a reversal", apperr.ErrConflict, e.Reference)
		}

		in := PostInput{
			StudentID:   e.StudentID,
			HostelID:    e.HostelID,
			Actor:       actor,
			Kind:        models.EntryKindReversal,
			Category:    models.CategoryReversal,
			Currency:    e.Currency,
			Description: fmt.Sprintf("Reversal of %s: %s", e.Reference, reason),
			PaymentID:   e.PaymentID,
		}
		rev, err := s.appendLocked(ctx, tx, in, e.Amount.Neg(), &e.ID)
		if err != nil {
			return err
		}
		at := rev.PostedAt
		if err := s.repo.MarkReversed(ctx, tx, e.ID, rev.ID, reason, at); err != nil {
			return err
		}
		e.IsReversed = true
		e.ReversedAt = &at
		e.ReversalEntryID = &rev.ID
		e.ReversalReason = reason
		original, reversal = e, rev
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("ledger entry reversed",
		"entry", original.Reference, "reversal", reversal.Reference,
		"student_id", original.StudentID, "amount", original.Amount.String())
	return original, reversal, nil
}

func (s *service) GetEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	var e *models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		e, err = s.repo.Get(ctx, tx, entryID)
		return err
	})
	return e, err
}

func (s *service) GetBalance(ctx context.Context, studentID, hostelID uuid.UUID) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		bal, err = s.repo.Balance(ctx, tx, studentID, hostelID)
		return err
	})
	return bal, err
}

func (s *service) ListEntries(ctx context.Context, studentID, hostelID uuid.UUID) ([]*models.LedgerEntry, error) {
	var list []*models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		list, err = s.repo.ListStream(ctx, tx, studentID, hostelID)
		return err
	})
	return list, err
}

func (s *service) ListHostelEntries(ctx context.Context, hostelID uuid.UUID, rng models.DateRange) ([]*models.LedgerEntry, error) {
	var list []*models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		list, err = s.repo.ListByHostel(ctx, tx, hostelID, rng)
		return err
	})
	return list, err
}

func (s *service) ListUnreconciled(ctx context.Context, hostelID uuid.UUID, olderThan time.Duration) ([]*models.LedgerEntry, error) {
	cutoff := s.now().Add(-olderThan)
	var list []*models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		list, err = s.repo.ListUnreconciled(ctx, tx, hostelID, cutoff)
		return err
	})
	return list, err
}

// MarkReconciled is idempotent: an already reconciled entry is returned unchanged.
func (s *service) MarkReconciled(ctx context.Context, entryID, actor uuid.UUID) (*models.LedgerEntry, error) {
	var e *models.LedgerEntry
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		e, err = s.repo.GetForUpdate(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.IsReconciled {
			return nil
		}
		at := s.now()
		if err := s.repo.MarkReconciled(ctx, tx, e.ID, actor, at); err != nil {
			return err
		}
		e.IsReconciled = true
		e.ReconciledAt = &at
		e.ReconciledBy = &actor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *service) DetectDiscrepancies(ctx context.Context, hostelID uuid.UUID, rng models.DateRange) ([]models.BalanceMismatch, error) {
	entries, err := s.ListHostelEntries(ctx, hostelID, rng)
	if err != nil {
		return nil, err
	}
	return FindMismatches(entries, s.epsilon), nil
}

func (s *service) ListHostels(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		ids, err = s.repo.ListHostels(ctx, tx)
		return err
	})
	return ids, err
}

// FindMismatches walks entries in stream order (grouped by student, creation order within a student)
// and reports arithmetic errors and breaks in the balance_before/balance_after chain.
func FindMismatches(entries []*models.LedgerEntry, epsilon decimal.Decimal) []models.BalanceMismatch {
	var out []models.BalanceMismatch
	prev := make(map[uuid.UUID]*models.LedgerEntry)
	for _, e := range entries {
		expected := e.BalanceBefore.Add(e.Amount)
		if diff := e.BalanceAfter.Sub(expected); diff.Abs().GreaterThan(epsilon) {
			out = append(out, models.BalanceMismatch{
				EntryID: e.ID, Reference: e.Reference, StudentID: e.StudentID, Kind: "arithmetic",
				Expected: expected, Stored: e.BalanceAfter, Difference: diff,
			})
		}
		if p, ok := prev[e.StudentID]; ok {
			if diff := e.BalanceBefore.Sub(p.BalanceAfter); diff.Abs().GreaterThan(epsilon) {
				out = append(out, models.BalanceMismatch{
					EntryID: e.ID, Reference: e.Reference, StudentID: e.StudentID, Kind: "chain_break",
					Expected: p.BalanceAfter, Stored: e.BalanceBefore, Difference: diff,
				})
			}
		}
		prev[e.StudentID] = e
	}
	return out
}
