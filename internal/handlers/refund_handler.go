package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/refund"
)

// RefundHandler serves /v1/refunds endpoints. Approval routes are role-gated in the router.
type RefundHandler struct {
	Refunds refund.Workflow
	Logger  *slog.Logger
}

type createRefundRequest struct {
	PaymentID           uuid.UUID             `json:"payment_id"`
	Amount              decimal.Decimal       `json:"amount"`
	OriginalAmount      decimal.Decimal       `json:"original_amount"`
	Reason              string                `json:"reason"`
	Category            models.RefundCategory `json:"category"`
	OriginalGatewayTxID *uuid.UUID            `json:"original_gateway_transaction_id"`
}

// Create handles POST /v1/refunds.
func (h *RefundHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req createRefundRequest
	if !decode(w, r, &req) {
		return
	}
	rf, err := h.Refunds.CreateRefundRequest(r.Context(), refund.CreateInput{
		PaymentID:           req.PaymentID,
		Requester:           actor,
		Amount:              req.Amount,
		OriginalAmount:      req.OriginalAmount,
		Reason:              req.Reason,
		Category:            req.Category,
		OriginalGatewayTxID: req.OriginalGatewayTxID,
	})
	if err != nil {
		writeError(w, h.Logger, "create refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, rf)
}

// Get handles GET /v1/refunds/{id}.
func (h *RefundHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rf, err := h.Refunds.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "get refund", err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}

// ListByPayment handles GET /v1/payments/{id}/refunds.
func (h *RefundHandler) ListByPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	list, err := h.Refunds.ListByPayment(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "list refunds", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type refundNote struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

// decision runs one actor-attributed transition whose body is an optional note.
func (h *RefundHandler) decision(op string, fn func(ctx context.Context, id, actor uuid.UUID, note refundNote) (*models.PaymentRefund, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var note refundNote
		if r.ContentLength != 0 && !decode(w, r, &note) {
			return
		}
		rf, err := fn(r.Context(), id, actor, note)
		if err != nil {
			writeError(w, h.Logger, op, err)
			return
		}
		writeJSON(w, http.StatusOK, rf)
	}
}

// Approve handles POST /v1/refunds/{id}/approve.
func (h *RefundHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decision("approve refund", func(ctx context.Context, id, actor uuid.UUID, n refundNote) (*models.PaymentRefund, error) {
		return h.Refunds.Approve(ctx, id, actor, n.Notes)
	})(w, r)
}

// Reject handles POST /v1/refunds/{id}/reject.
func (h *RefundHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decision("reject refund", func(ctx context.Context, id, actor uuid.UUID, n refundNote) (*models.PaymentRefund, error) {
		return h.Refunds.Reject(ctx, id, actor, n.Reason)
	})(w, r)
}

// Cancel handles POST /v1/refunds/{id}/cancel.
func (h *RefundHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.decision("cancel refund", func(ctx context.Context, id, actor uuid.UUID, n refundNote) (*models.PaymentRefund, error) {
		return h.Refunds.Cancel(ctx, id, actor, n.Reason)
	})(w, r)
}

// Process handles POST /v1/refunds/{id}/process.
func (h *RefundHandler) Process(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		GatewayRefundID string `json:"gateway_refund_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	rf, err := h.Refunds.BeginProcessing(r.Context(), id, actor, req.GatewayRefundID)
	if err != nil {
		writeError(w, h.Logger, "process refund", err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}

type completeRefundRequest struct {
	ProcessedAmount decimal.Decimal  `json:"processed_amount"`
	TransactionID   string           `json:"transaction_id"`
	GatewayResponse json.RawMessage  `json:"gateway_response"`
	Fee             *decimal.Decimal `json:"fee"`
}

// Complete handles POST /v1/refunds/{id}/complete.
func (h *RefundHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req completeRefundRequest
	if !decode(w, r, &req) {
		return
	}
	rf, err := h.Refunds.Complete(r.Context(), id, refund.CompleteInput{
		ProcessedAmount: req.ProcessedAmount,
		TransactionID:   req.TransactionID,
		GatewayResponse: req.GatewayResponse,
		Fee:             req.Fee,
	})
	if err != nil {
		writeError(w, h.Logger, "complete refund", err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}

// Fail handles POST /v1/refunds/{id}/fail.
func (h *RefundHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	if !decode(w, r, &req) {
		return
	}
	rf, err := h.Refunds.Fail(r.Context(), id, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		writeError(w, h.Logger, "fail refund", err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}
