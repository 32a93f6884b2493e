package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/models"
)

// PaymentRepo reads payments owned by the payments service and writes only the columns the
// engine is responsible for: payment_status on settlement and the refund totals.
type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, student_id, hostel_id, amount, currency, payment_status, refund_amount, is_refunded, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.StudentID, &p.HostelID, &p.Amount, &p.Currency, &p.Status, &p.RefundAmount, &p.IsRefunded, &p.UpdatedAt)
	if err != nil {
		return nil, database.MapErr(err, "payment")
	}
	return &p, nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// ApplyRefund adds amount to refund_amount. A payment refunded in full is flagged and moved to refunded.
func (r *PaymentRepo) ApplyRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET
			refund_amount  = refund_amount + $2,
			is_refunded    = refund_amount + $2 >= amount,
			payment_status = CASE WHEN refund_amount + $2 >= amount THEN $3 ELSE payment_status END,
			updated_at     = now()
		WHERE id = $1
		RETURNING `+paymentColumns, id, amount, models.PaymentStatusRefunded))
}

// MarkCompleted records that money for the payment was collected. A payment the collaborator marked
// failed still completes, since a capture proves otherwise. changed is false when it was already
// completed (or refunded), so the caller credits at most once.
func (r *PaymentRepo) MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments SET payment_status = $2, updated_at = now()
		WHERE id = $1 AND payment_status IN ($3, $4)
	`, id, models.PaymentStatusCompleted, models.PaymentStatusPending, models.PaymentStatusFailed)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetForUpdate(ctx, tx, id); err != nil {
		return false, err
	}
	return false, nil
}
