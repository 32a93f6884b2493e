package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reconciliation"
)

type ReportService interface {
	BalanceSnapshot(ctx context.Context, hostelID uuid.UUID, asOf time.Time) (reconciliation.HostelSnapshot, error)
	UnverifiedTransactions(ctx context.Context) ([]*models.GatewayTransaction, error)
	UnsettledTransactions(ctx context.Context) ([]*models.GatewayTransaction, error)
	GatewayPerformance(ctx context.Context, rng models.DateRange) ([]reconciliation.ProviderPerformance, error)
	GatewayDiscrepancies(ctx context.Context, rng models.DateRange) ([]reconciliation.GatewayDiscrepancy, error)
	Run(ctx context.Context, rng models.DateRange) (*reconciliation.Report, error)
}

// ReportHandler serves /v1/reports endpoints.
type ReportHandler struct {
	Reports ReportService
	Logger  *slog.Logger
}

// Snapshot handles GET /v1/reports/hostels/{hostel}/snapshot?as_of=.
func (h *ReportHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	hostel, ok := pathUUID(w, r, "hostel")
	if !ok {
		return
	}
	var asOf time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			http.Error(w, `{"error":"invalid as_of"}`, http.StatusBadRequest)
			return
		}
		asOf = t
	}
	snap, err := h.Reports.BalanceSnapshot(r.Context(), hostel, asOf)
	if err != nil {
		writeError(w, h.Logger, "balance snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Unverified handles GET /v1/reports/gateway/unverified.
func (h *ReportHandler) Unverified(w http.ResponseWriter, r *http.Request) {
	list, err := h.Reports.UnverifiedTransactions(r.Context())
	if err != nil {
		writeError(w, h.Logger, "unverified transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Unsettled handles GET /v1/reports/gateway/unsettled.
func (h *ReportHandler) Unsettled(w http.ResponseWriter, r *http.Request) {
	list, err := h.Reports.UnsettledTransactions(r.Context())
	if err != nil {
		writeError(w, h.Logger, "unsettled transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Performance handles GET /v1/reports/gateway/performance?from=&to=.
func (h *ReportHandler) Performance(w http.ResponseWriter, r *http.Request) {
	rng, ok := dateRange(w, r)
	if !ok {
		return
	}
	perf, err := h.Reports.GatewayPerformance(r.Context(), rng)
	if err != nil {
		writeError(w, h.Logger, "gateway performance", err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// Discrepancies handles GET /v1/reports/gateway/discrepancies?from=&to=.
func (h *ReportHandler) Discrepancies(w http.ResponseWriter, r *http.Request) {
	rng, ok := dateRange(w, r)
	if !ok {
		return
	}
	found, err := h.Reports.GatewayDiscrepancies(r.Context(), rng)
	if err != nil {
		writeError(w, h.Logger, "gateway discrepancies", err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// Reconciliation handles GET /v1/reports/reconciliation?from=&to=, a full on-demand pass.
func (h *ReportHandler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	rng, ok := dateRange(w, r)
	if !ok {
		return
	}
	rep, err := h.Reports.Run(r.Context(), rng)
	if err != nil {
		writeError(w, h.Logger, "reconciliation run", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
