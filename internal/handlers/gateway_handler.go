package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/middleware"
	"github.com/pgstay/backend/internal/models"
)

// GatewayService is the subset of gateway.Tracker served over HTTP.
type GatewayService interface {
	Create(ctx context.Context, in gateway.CreateInput) (*models.GatewayTransaction, error)
	Transition(ctx context.Context, id uuid.UUID, in gateway.TransitionInput) (*models.GatewayTransaction, error)
	RecordWebhook(ctx context.Context, in gateway.WebhookInput) (ev *models.WebhookEvent, duplicate bool, err error)
	Verify(ctx context.Context, id uuid.UUID, method models.VerificationMethod) (*models.GatewayTransaction, error)
	RecordSettlement(ctx context.Context, id uuid.UUID, in gateway.SettlementInput) (*models.GatewayTransaction, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error)
	Get(ctx context.Context, id uuid.UUID) (*models.GatewayTransaction, error)
	GetByReference(ctx context.Context, ref string) (*models.GatewayTransaction, error)
	FindByProviderID(ctx context.Context, provider models.GatewayProvider, providerID string) (*models.GatewayTransaction, error)
	ListWebhooks(ctx context.Context, txID uuid.UUID) ([]*models.WebhookEvent, error)
}

// GatewayHandler serves /v1/gateway endpoints and provider webhooks.
type GatewayHandler struct {
	Gateway GatewayService
	Logger  *slog.Logger
}

type createGatewayTxRequest struct {
	PaymentID      uuid.UUID              `json:"payment_id"`
	Provider       models.GatewayProvider `json:"provider"`
	Type           models.GatewayTxType   `json:"type"`
	Amount         decimal.Decimal        `json:"amount"`
	Currency       string                 `json:"currency"`
	RequestPayload json.RawMessage        `json:"request_payload"`
	ParentID       *uuid.UUID             `json:"parent_id"`
}

// Create handles POST /v1/gateway/transactions.
func (h *GatewayHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createGatewayTxRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Gateway.Create(r.Context(), gateway.CreateInput{
		PaymentID:      req.PaymentID,
		Provider:       req.Provider,
		Type:           req.Type,
		Amount:         req.Amount,
		Currency:       req.Currency,
		RequestPayload: req.RequestPayload,
		ParentID:       req.ParentID,
	})
	if err != nil {
		writeError(w, h.Logger, "create gateway transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// Get handles GET /v1/gateway/transactions/{id}.
func (h *GatewayHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	g, err := h.Gateway.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "get gateway transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetByReference handles GET /v1/gateway/references/{ref}.
func (h *GatewayHandler) GetByReference(w http.ResponseWriter, r *http.Request) {
	g, err := h.Gateway.GetByReference(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, h.Logger, "get gateway transaction by reference", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type transitionRequest struct {
	Status                models.GatewayStatus `json:"status"`
	ProviderOrderID       string               `json:"provider_order_id"`
	ProviderPaymentID     string               `json:"provider_payment_id"`
	ProviderTransactionID string               `json:"provider_transaction_id"`
	ResponsePayload       json.RawMessage      `json:"response_payload"`
	GatewayFee            *decimal.Decimal     `json:"gateway_fee"`
	Tax                   *decimal.Decimal     `json:"tax"`
	MethodDetail          *models.MethodDetail `json:"method_detail"`
	ErrorCode             string               `json:"error_code"`
	ErrorMessage          string               `json:"error_message"`
	ErrorSource           string               `json:"error_source"`
}

// Transition handles POST /v1/gateway/transactions/{id}/transition.
func (h *GatewayHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	in := gateway.TransitionInput{
		Status:                req.Status,
		ProviderOrderID:       req.ProviderOrderID,
		ProviderPaymentID:     req.ProviderPaymentID,
		ProviderTransactionID: req.ProviderTransactionID,
		ResponsePayload:       req.ResponsePayload,
		MethodDetail:          req.MethodDetail,
		ErrorCode:             req.ErrorCode,
		ErrorMessage:          req.ErrorMessage,
		ErrorSource:           req.ErrorSource,
	}
	if req.GatewayFee != nil || req.Tax != nil {
		in.Fees = &gateway.Fees{}
		if req.GatewayFee != nil {
			in.Fees.GatewayFee = *req.GatewayFee
		}
		if req.Tax != nil {
			in.Fees.Tax = *req.Tax
		}
	}
	g, err := h.Gateway.Transition(r.Context(), id, in)
	if err != nil {
		writeError(w, h.Logger, "transition gateway transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Verify handles POST /v1/gateway/transactions/{id}/verify.
func (h *GatewayHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Method models.VerificationMethod `json:"method"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Gateway.Verify(r.Context(), id, req.Method)
	if err != nil {
		writeError(w, h.Logger, "verify gateway transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type settlementRequest struct {
	SettlementID string          `json:"settlement_id"`
	Amount       decimal.Decimal `json:"amount"`
	UTR          string          `json:"utr"`
	Date         string          `json:"date"`
}

// RecordSettlement handles POST /v1/gateway/transactions/{id}/settlement.
func (h *GatewayHandler) RecordSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req settlementRequest
	if !decode(w, r, &req) {
		return
	}
	var date time.Time
	if req.Date != "" {
		d, err := parseTime(req.Date)
		if err != nil {
			http.Error(w, `{"error":"invalid date"}`, http.StatusBadRequest)
			return
		}
		date = d
	}
	g, err := h.Gateway.RecordSettlement(r.Context(), id, gateway.SettlementInput{
		SettlementID: req.SettlementID,
		Amount:       req.Amount,
		UTR:          req.UTR,
		Date:         date,
	})
	if err != nil {
		writeError(w, h.Logger, "record settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Retry handles POST /v1/gateway/transactions/{id}/retry.
func (h *GatewayHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	g, err := h.Gateway.IncrementRetry(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "increment retry", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListWebhooks handles GET /v1/gateway/transactions/{id}/webhooks.
func (h *GatewayHandler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.Gateway.ListWebhooks(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "list webhooks", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Webhook handles POST /v1/webhooks/{provider}. The body has already been read and its signature
// checked by middleware.WebhookBody. The transaction is resolved by provider payment id, then provider
// order id, then the ?reference= query parameter. Unknown transactions get 404 so the provider retries.
func (h *GatewayHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	hook := middleware.WebhookFromCtx(r.Context())
	if hook == nil {
		http.Error(w, `{"error":"missing webhook body"}`, http.StatusBadRequest)
		return
	}
	ev := gateway.Extract(hook.Provider, hook.Body)

	g, err := h.resolve(r.Context(), hook.Provider, ev, r.URL.Query().Get("reference"))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			h.Logger.Warn("webhook for unknown transaction", "provider", hook.Provider,
				"event", ev.EventType, "payment_id", ev.PaymentID, "order_id", ev.OrderID)
		}
		writeError(w, h.Logger, "resolve webhook transaction", err)
		return
	}
	if !hook.SignatureValid {
		h.Logger.Warn("webhook signature invalid", "provider", hook.Provider, "reference", g.Reference)
	}

	stored, duplicate, err := h.Gateway.RecordWebhook(r.Context(), gateway.WebhookInput{
		TransactionID:   g.ID,
		EventType:       ev.EventType,
		ProviderEventID: ev.EventID,
		Payload:         hook.Body,
		Signature:       hook.Signature,
		SignatureValid:  hook.SignatureValid,
	})
	if err != nil {
		writeError(w, h.Logger, "record webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":       stored.ID,
		"transaction_id": g.ID,
		"duplicate":      duplicate,
	})
}

func (h *GatewayHandler) resolve(ctx context.Context, provider models.GatewayProvider, ev gateway.ProviderEvent, ref string) (*models.GatewayTransaction, error) {
	for _, pid := range []string{ev.PaymentID, ev.OrderID} {
		if pid == "" {
			continue
		}
		g, err := h.Gateway.FindByProviderID(ctx, provider, pid)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	if ref != "" {
		return h.Gateway.GetByReference(ctx, ref)
	}
	return nil, fmt.Errorf("gateway transaction for webhook: %w", apperr.ErrNotFound)
}
