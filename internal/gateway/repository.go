package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/models"
)

const txColumns = `id, reference, payment_id, provider, transaction_type, status,
	provider_order_id, provider_payment_id, provider_transaction_id, parent_transaction_id,
	amount, currency, gateway_fee, tax_amount, net_amount,
	request_payload, response_payload, webhook_payload, callback_payload, method_detail,
	is_verified, COALESCE(verification_method, ''), verified_at,
	retry_count, max_retries, next_retry_at,
	settlement_id, settlement_date, settlement_amount, settlement_utr,
	error_code, error_message, error_source,
	initiated_at, completed_at, failed_at, cancelled_at, timeout_at, refunded_at, last_webhook_at, updated_at`

const webhookColumns = `id, transaction_id, provider, event_type, provider_event_id, dedup_key, payload,
	COALESCE(signature, ''), signature_valid, received_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

func scanTx(row pgx.Row) (*models.GatewayTransaction, error) {
	var g models.GatewayTransaction
	err := row.Scan(&g.ID, &g.Reference, &g.PaymentID, &g.Provider, &g.Type, &g.Status,
		&g.ProviderOrderID, &g.ProviderPaymentID, &g.ProviderTransactionID, &g.ParentTransactionID,
		&g.Amount, &g.Currency, &g.GatewayFee, &g.TaxAmount, &g.NetAmount,
		&g.RequestPayload, &g.ResponsePayload, &g.WebhookPayload, &g.CallbackPayload, &g.MethodDetail,
		&g.IsVerified, &g.VerificationMethod, &g.VerifiedAt,
		&g.RetryCount, &g.MaxRetries, &g.NextRetryAt,
		&g.SettlementID, &g.SettlementDate, &g.SettlementAmount, &g.SettlementUTR,
		&g.ErrorCode, &g.ErrorMessage, &g.ErrorSource,
		&g.InitiatedAt, &g.CompletedAt, &g.FailedAt, &g.CancelledAt, &g.TimeoutAt, &g.RefundedAt, &g.LastWebhookAt, &g.UpdatedAt)
	if err != nil {
		return nil, database.MapErr(err, "gateway transaction")
	}
	return &g, nil
}

func collectTxs(rows pgx.Rows, err error) ([]*models.GatewayTransaction, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GatewayTransaction
	for rows.Next() {
		g, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

func scanWebhook(row pgx.Row) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := row.Scan(&ev.ID, &ev.TransactionID, &ev.Provider, &ev.EventType, &ev.ProviderEventID, &ev.DedupKey, &ev.Payload,
		&ev.Signature, &ev.SignatureValid, &ev.ReceivedAt)
	if err != nil {
		return nil, database.MapErr(err, "webhook event")
	}
	return &ev, nil
}

func (r *PgRepository) Insert(ctx context.Context, tx pgx.Tx, g *models.GatewayTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO gateway_transactions (id, reference, payment_id, provider, transaction_type, status,
			parent_transaction_id, amount, currency, request_payload, max_retries, initiated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, g.ID, g.Reference, g.PaymentID, g.Provider, g.Type, g.Status,
		g.ParentTransactionID, g.Amount, g.Currency, g.RequestPayload, g.MaxRetries, g.InitiatedAt, g.UpdatedAt)
	return database.MapErr(err, "gateway transaction")
}

func (r *PgRepository) Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GatewayTransaction, error) {
	return scanTx(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM gateway_transactions WHERE id = $1`, id))
}

func (r *PgRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GatewayTransaction, error) {
	return scanTx(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM gateway_transactions WHERE id = $1 FOR UPDATE`, id))
}

func (r *PgRepository) GetByReference(ctx context.Context, tx pgx.Tx, ref string) (*models.GatewayTransaction, error) {
	return scanTx(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM gateway_transactions WHERE reference = $1`, ref))
}

// FindByProviderID matches any of the three provider-assigned identifiers.
func (r *PgRepository) FindByProviderID(ctx context.Context, tx pgx.Tx, provider models.GatewayProvider, providerID string) (*models.GatewayTransaction, error) {
	return scanTx(tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		WHERE provider = $1 AND (provider_order_id = $2 OR provider_payment_id = $2 OR provider_transaction_id = $2)
		ORDER BY initiated_at DESC LIMIT 1
	`, provider, providerID))
}

func (r *PgRepository) Update(ctx context.Context, tx pgx.Tx, g *models.GatewayTransaction) error {
	_, err := tx.Exec(ctx, `
		UPDATE gateway_transactions SET
			status = $2,
			provider_order_id = $3, provider_payment_id = $4, provider_transaction_id = $5,
			gateway_fee = $6, tax_amount = $7, net_amount = $8,
			response_payload = $9, webhook_payload = $10, callback_payload = $11, method_detail = $12,
			is_verified = $13, verification_method = NULLIF($14, ''), verified_at = $15,
			retry_count = $16, next_retry_at = $17,
			settlement_id = $18, settlement_date = $19, settlement_amount = $20, settlement_utr = $21,
			error_code = $22, error_message = $23, error_source = $24,
			completed_at = $25, failed_at = $26, cancelled_at = $27, timeout_at = $28, refunded_at = $29,
			last_webhook_at = $30, updated_at = $31
		WHERE id = $1
	`, g.ID, g.Status,
		g.ProviderOrderID, g.ProviderPaymentID, g.ProviderTransactionID,
		g.GatewayFee, g.TaxAmount, g.NetAmount,
		g.ResponsePayload, g.WebhookPayload, g.CallbackPayload, g.MethodDetail,
		g.IsVerified, string(g.VerificationMethod), g.VerifiedAt,
		g.RetryCount, g.NextRetryAt,
		g.SettlementID, g.SettlementDate, g.SettlementAmount, g.SettlementUTR,
		g.ErrorCode, g.ErrorMessage, g.ErrorSource,
		g.CompletedAt, g.FailedAt, g.CancelledAt, g.TimeoutAt, g.RefundedAt,
		g.LastWebhookAt, g.UpdatedAt)
	return database.MapErr(err, "gateway transaction")
}

func (r *PgRepository) InsertWebhook(ctx context.Context, tx pgx.Tx, ev *models.WebhookEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO gateway_webhook_events (id, transaction_id, provider, event_type, provider_event_id, dedup_key,
			payload, signature, signature_valid, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (transaction_id, dedup_key) DO NOTHING
	`, ev.ID, ev.TransactionID, ev.Provider, ev.EventType, ev.ProviderEventID, ev.DedupKey,
		ev.Payload, ev.Signature, ev.SignatureValid, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) GetWebhook(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.WebhookEvent, error) {
	return scanWebhook(tx.QueryRow(ctx, `SELECT `+webhookColumns+` FROM gateway_webhook_events WHERE id = $1`, id))
}

func (r *PgRepository) ListWebhooks(ctx context.Context, tx pgx.Tx, txID uuid.UUID) ([]*models.WebhookEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+webhookColumns+` FROM gateway_webhook_events WHERE transaction_id = $1 ORDER BY received_at
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

func (r *PgRepository) ListUnverified(ctx context.Context, tx pgx.Tx, initiatedBefore time.Time) ([]*models.GatewayTransaction, error) {
	return collectTxs(tx.Query(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		WHERE status = ANY($1) AND NOT is_verified AND initiated_at < $2
		ORDER BY initiated_at
	`, succeededStatuses(), initiatedBefore))
}

func (r *PgRepository) ListUnsettled(ctx context.Context, tx pgx.Tx, completedBefore time.Time) ([]*models.GatewayTransaction, error) {
	return collectTxs(tx.Query(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		WHERE status = ANY($1) AND transaction_type = $2 AND settlement_id IS NULL AND completed_at < $3
		ORDER BY completed_at
	`, succeededStatuses(), models.GatewayTxPayment, completedBefore))
}

func (r *PgRepository) ListDueRetries(ctx context.Context, tx pgx.Tx, now time.Time) ([]*models.GatewayTransaction, error) {
	return collectTxs(tx.Query(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		WHERE status = $1 AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at
	`, models.GatewayFailed, now))
}

func (r *PgRepository) ListByRange(ctx context.Context, tx pgx.Tx, rng models.DateRange) ([]*models.GatewayTransaction, error) {
	return collectTxs(tx.Query(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		WHERE ($1::timestamptz IS NULL OR initiated_at >= $1)
		  AND ($2::timestamptz IS NULL OR initiated_at < $2)
		ORDER BY initiated_at
	`, nullTime(rng.From), nullTime(rng.To)))
}

func succeededStatuses() []string {
	return []string{
		string(models.GatewaySuccess), string(models.GatewayRefundInitiated), string(models.GatewayRefundPending),
		string(models.GatewayRefunded), string(models.GatewayRefundFailed),
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
