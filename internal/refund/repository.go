package refund

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/models"
)

const refundColumns = `id, reference, payment_id, student_id, hostel_id, refund_amount, original_amount, currency,
	is_partial, reason, category, status, requested_by, approved_by, processed_by,
	COALESCE(approval_notes, ''), COALESCE(rejection_reason, ''), COALESCE(cancel_reason, ''),
	original_gateway_tx_id, gateway_tx_id, gateway_refund_id, transaction_id, gateway_response,
	processed_amount, processing_fee, ledger_entry_id, error_code, error_message,
	requested_at, approved_at, rejected_at, processing_at, completed_at, failed_at, cancelled_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

func scanRefund(row pgx.Row) (*models.PaymentRefund, error) {
	var r models.PaymentRefund
	err := row.Scan(&r.ID, &r.Reference, &r.PaymentID, &r.StudentID, &r.HostelID, &r.RefundAmount, &r.OriginalAmount, &r.Currency,
		&r.IsPartial, &r.Reason, &r.Category, &r.Status, &r.RequestedBy, &r.ApprovedBy, &r.ProcessedBy,
		&r.ApprovalNotes, &r.RejectionReason, &r.CancelReason,
		&r.OriginalGatewayTxID, &r.GatewayTxID, &r.GatewayRefundID, &r.TransactionID, &r.GatewayResponse,
		&r.ProcessedAmount, &r.ProcessingFee, &r.LedgerEntryID, &r.ErrorCode, &r.ErrorMessage,
		&r.RequestedAt, &r.ApprovedAt, &r.RejectedAt, &r.ProcessingAt, &r.CompletedAt, &r.FailedAt, &r.CancelledAt, &r.UpdatedAt)
	if err != nil {
		return nil, database.MapErr(err, "refund")
	}
	return &r, nil
}

func (p *PgRepository) Insert(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_refunds (id, reference, payment_id, student_id, hostel_id, refund_amount, original_amount,
			currency, is_partial, reason, category, status, requested_by, original_gateway_tx_id, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, r.ID, r.Reference, r.PaymentID, r.StudentID, r.HostelID, r.RefundAmount, r.OriginalAmount,
		r.Currency, r.IsPartial, r.Reason, r.Category, r.Status, r.RequestedBy, r.OriginalGatewayTxID, r.RequestedAt, r.UpdatedAt)
	return database.MapErr(err, "refund")
}

func (p *PgRepository) Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentRefund, error) {
	return scanRefund(tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds WHERE id = $1`, id))
}

func (p *PgRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentRefund, error) {
	return scanRefund(tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds WHERE id = $1 FOR UPDATE`, id))
}

func (p *PgRepository) GetByReference(ctx context.Context, tx pgx.Tx, ref string) (*models.PaymentRefund, error) {
	return scanRefund(tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds WHERE reference = $1`, ref))
}

func (p *PgRepository) Update(ctx context.Context, tx pgx.Tx, r *models.PaymentRefund) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_refunds SET
			status = $2, approved_by = $3, processed_by = $4,
			approval_notes = NULLIF($5, ''), rejection_reason = NULLIF($6, ''), cancel_reason = NULLIF($7, ''),
			gateway_tx_id = $8, gateway_refund_id = $9, transaction_id = $10, gateway_response = $11,
			processed_amount = $12, processing_fee = $13, ledger_entry_id = $14, error_code = $15, error_message = $16,
			approved_at = $17, rejected_at = $18, processing_at = $19, completed_at = $20, failed_at = $21, cancelled_at = $22,
			updated_at = $23
		WHERE id = $1
	`, r.ID, r.Status, r.ApprovedBy, r.ProcessedBy,
		r.ApprovalNotes, r.RejectionReason, r.CancelReason,
		r.GatewayTxID, r.GatewayRefundID, r.TransactionID, r.GatewayResponse,
		r.ProcessedAmount, r.ProcessingFee, r.LedgerEntryID, r.ErrorCode, r.ErrorMessage,
		r.ApprovedAt, r.RejectedAt, r.ProcessingAt, r.CompletedAt, r.FailedAt, r.CancelledAt,
		r.UpdatedAt)
	return database.MapErr(err, "refund")
}

func (p *PgRepository) ListByPayment(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) ([]*models.PaymentRefund, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+refundColumns+` FROM payment_refunds WHERE payment_id = $1 ORDER BY requested_at
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PaymentRefund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}
