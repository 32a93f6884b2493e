package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/models"
)

const entryColumns = `id, reference, student_id, hostel_id, payment_id, kind, category, amount, currency,
	balance_before, balance_after, description, transaction_date, posted_at, posted_by,
	is_reconciled, reconciled_at, reconciled_by,
	is_reversed, reversed_at, reversal_entry_id, COALESCE(reversal_reason, ''), reversal_of`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.Reference, &e.StudentID, &e.HostelID, &e.PaymentID, &e.Kind, &e.Category, &e.Amount, &e.Currency,
		&e.BalanceBefore, &e.BalanceAfter, &e.Description, &e.TransactionDate, &e.PostedAt, &e.PostedBy,
		&e.IsReconciled, &e.ReconciledAt, &e.ReconciledBy,
		&e.IsReversed, &e.ReversedAt, &e.ReversalEntryID, &e.ReversalReason, &e.ReversalOf)
	if err != nil {
		return nil, database.MapErr(err, "ledger entry")
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows, err error) ([]*models.LedgerEntry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// LockStream creates the (student, hostel) stream row if needed and locks it FOR UPDATE until the
// surrounding transaction ends.
func (r *PgRepository) LockStream(ctx context.Context, tx pgx.Tx, studentID, hostelID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_streams (student_id, hostel_id) VALUES ($1, $2)
		ON CONFLICT (student_id, hostel_id) DO NOTHING
	`, studentID, hostelID); err != nil {
		return err
	}
	var n int64
	return tx.QueryRow(ctx, `
		SELECT entry_count FROM ledger_streams WHERE student_id = $1 AND hostel_id = $2 FOR UPDATE
	`, studentID, hostelID).Scan(&n)
}

// Balance sums every entry of the stream, reversed originals included. An original and its
// reversal net to zero, so the result equals the sum over entries whose effect is still live;
// excluding reversed originals would count the reversal alone.
func (r *PgRepository) Balance(ctx context.Context, tx pgx.Tx, studentID, hostelID uuid.UUID) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE student_id = $1 AND hostel_id = $2
	`, studentID, hostelID).Scan(&bal)
	return bal, err
}

func (r *PgRepository) Insert(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, reference, student_id, hostel_id, payment_id, kind, category, amount, currency,
			balance_before, balance_after, description, transaction_date, posted_at, posted_by, reversal_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.Reference, e.StudentID, e.HostelID, e.PaymentID, e.Kind, e.Category, e.Amount, e.Currency,
		e.BalanceBefore, e.BalanceAfter, e.Description, e.TransactionDate, e.PostedAt, e.PostedBy, e.ReversalOf)
	if err != nil {
		return database.MapErr(err, "ledger entry")
	}
	_, err = tx.Exec(ctx, `
		UPDATE ledger_streams SET entry_count = entry_count + 1, last_entry_at = $3
		WHERE student_id = $1 AND hostel_id = $2
	`, e.StudentID, e.HostelID, e.PostedAt)
	return err
}

func (r *PgRepository) Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
}

func (r *PgRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, id))
}

func (r *PgRepository) MarkReversed(ctx context.Context, tx pgx.Tx, id, reversalID uuid.UUID, reason string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_entries SET is_reversed = true, reversed_at = $3, reversal_entry_id = $2, reversal_reason = $4
		WHERE id = $1 AND NOT is_reversed
	`, id, reversalID, at, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errReversedConcurrently
	}
	return nil
}

func (r *PgRepository) MarkReconciled(ctx context.Context, tx pgx.Tx, id, actor uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE ledger_entries SET is_reconciled = true, reconciled_at = $2, reconciled_by = $3
		WHERE id = $1 AND NOT is_reconciled
	`, id, at, actor)
	return err
}

func (r *PgRepository) ListStream(ctx context.Context, tx pgx.Tx, studentID, hostelID uuid.UUID) ([]*models.LedgerEntry, error) {
	return collectEntries(tx.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE student_id = $1 AND hostel_id = $2 ORDER BY entry_seq
	`, studentID, hostelID))
}

func (r *PgRepository) ListByHostel(ctx context.Context, tx pgx.Tx, hostelID uuid.UUID, rng models.DateRange) ([]*models.LedgerEntry, error) {
	return collectEntries(tx.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE hostel_id = $1
		  AND ($2::timestamptz IS NULL OR posted_at >= $2)
		  AND ($3::timestamptz IS NULL OR posted_at < $3)
		ORDER BY student_id, entry_seq
	`, hostelID, nullTime(rng.From), nullTime(rng.To)))
}

func (r *PgRepository) ListUnreconciled(ctx context.Context, tx pgx.Tx, hostelID uuid.UUID, postedBefore time.Time) ([]*models.LedgerEntry, error) {
	return collectEntries(tx.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE hostel_id = $1 AND NOT is_reconciled AND posted_at < $2
		ORDER BY posted_at
	`, hostelID, postedBefore))
}

func (r *PgRepository) ListHostels(ctx context.Context, tx pgx.Tx) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT DISTINCT hostel_id FROM ledger_streams ORDER BY hostel_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
