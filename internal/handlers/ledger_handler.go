package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
)

// LedgerService is the subset of ledger.Service served over HTTP.
type LedgerService interface {
	PostEntry(ctx context.Context, in ledger.PostInput) (*models.LedgerEntry, error)
	PostDoubleEntry(ctx context.Context, in ledger.DoubleEntryInput) (debit, credit *models.LedgerEntry, err error)
	ReverseEntry(ctx context.Context, entryID, actor uuid.UUID, reason string) (original, reversal *models.LedgerEntry, err error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, studentID, hostelID uuid.UUID) (decimal.Decimal, error)
	ListEntries(ctx context.Context, studentID, hostelID uuid.UUID) ([]*models.LedgerEntry, error)
	ListUnreconciled(ctx context.Context, hostelID uuid.UUID, olderThan time.Duration) ([]*models.LedgerEntry, error)
	MarkReconciled(ctx context.Context, entryID, actor uuid.UUID) (*models.LedgerEntry, error)
	DetectDiscrepancies(ctx context.Context, hostelID uuid.UUID, rng models.DateRange) ([]models.BalanceMismatch, error)
}

// LedgerHandler serves /v1/ledger endpoints.
type LedgerHandler struct {
	Ledger LedgerService
	Logger *slog.Logger
}

type postEntryRequest struct {
	StudentID       uuid.UUID            `json:"student_id"`
	HostelID        uuid.UUID            `json:"hostel_id"`
	Kind            models.EntryKind     `json:"kind"`
	Category        models.EntryCategory `json:"category"`
	Amount          decimal.Decimal      `json:"amount"`
	Currency        string               `json:"currency"`
	Description     string               `json:"description"`
	TransactionDate *time.Time           `json:"transaction_date"`
	PaymentID       *uuid.UUID           `json:"payment_id"`
}

// PostEntry handles POST /v1/ledger/entries.
func (h *LedgerHandler) PostEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req postEntryRequest
	if !decode(w, r, &req) {
		return
	}
	in := ledger.PostInput{
		StudentID:   req.StudentID,
		HostelID:    req.HostelID,
		Actor:       actor,
		Kind:        req.Kind,
		Category:    req.Category,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		PaymentID:   req.PaymentID,
	}
	if req.TransactionDate != nil {
		in.TransactionDate = *req.TransactionDate
	}
	e, err := h.Ledger.PostEntry(r.Context(), in)
	if err != nil {
		writeError(w, h.Logger, "post entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type doubleEntryRequest struct {
	StudentID      uuid.UUID            `json:"student_id"`
	HostelID       uuid.UUID            `json:"hostel_id"`
	DebitCategory  models.EntryCategory `json:"debit_category"`
	CreditCategory models.EntryCategory `json:"credit_category"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       string               `json:"currency"`
	Description    string               `json:"description"`
	PaymentID      *uuid.UUID           `json:"payment_id"`
}

// PostDoubleEntry handles POST /v1/ledger/double-entries.
func (h *LedgerHandler) PostDoubleEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req doubleEntryRequest
	if !decode(w, r, &req) {
		return
	}
	debit, credit, err := h.Ledger.PostDoubleEntry(r.Context(), ledger.DoubleEntryInput{
		StudentID:      req.StudentID,
		HostelID:       req.HostelID,
		Actor:          actor,
		DebitCategory:  req.DebitCategory,
		CreditCategory: req.CreditCategory,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		PaymentID:      req.PaymentID,
	})
	if err != nil {
		writeError(w, h.Logger, "post double entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]*models.LedgerEntry{"debit": debit, "credit": credit})
}

// GetEntry handles GET /v1/ledger/entries/{id}.
func (h *LedgerHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.Ledger.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ReverseEntry handles POST /v1/ledger/entries/{id}/reverse.
func (h *LedgerHandler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	original, reversal, err := h.Ledger.ReverseEntry(r.Context(), id, actor, req.Reason)
	if err != nil {
		writeError(w, h.Logger, "reverse entry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*models.LedgerEntry{"original": original, "reversal": reversal})
}

// MarkReconciled handles POST /v1/ledger/entries/{id}/reconcile.
func (h *LedgerHandler) MarkReconciled(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.Ledger.MarkReconciled(r.Context(), id, actor)
	if err != nil {
		writeError(w, h.Logger, "mark reconciled", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func streamIDs(w http.ResponseWriter, r *http.Request) (student, hostel uuid.UUID, ok bool) {
	if hostel, ok = pathUUID(w, r, "hostel"); !ok {
		return
	}
	student, ok = pathUUID(w, r, "student")
	return
}

// GetBalance handles GET /v1/ledger/hostels/{hostel}/students/{student}/balance.
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	student, hostel, ok := streamIDs(w, r)
	if !ok {
		return
	}
	bal, err := h.Ledger.GetBalance(r.Context(), student, hostel)
	if err != nil {
		writeError(w, h.Logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student_id": student, "hostel_id": hostel, "balance": bal})
}

// ListEntries handles GET /v1/ledger/hostels/{hostel}/students/{student}/entries.
func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	student, hostel, ok := streamIDs(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.ListEntries(r.Context(), student, hostel)
	if err != nil {
		writeError(w, h.Logger, "list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListUnreconciled handles GET /v1/ledger/hostels/{hostel}/unreconciled?older_than=72h.
func (h *LedgerHandler) ListUnreconciled(w http.ResponseWriter, r *http.Request) {
	hostel, ok := pathUUID(w, r, "hostel")
	if !ok {
		return
	}
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, `{"error":"invalid older_than"}`, http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	entries, err := h.Ledger.ListUnreconciled(r.Context(), hostel, olderThan)
	if err != nil {
		writeError(w, h.Logger, "list unreconciled", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Discrepancies handles GET /v1/ledger/hostels/{hostel}/discrepancies?from=&to=.
func (h *LedgerHandler) Discrepancies(w http.ResponseWriter, r *http.Request) {
	hostel, ok := pathUUID(w, r, "hostel")
	if !ok {
		return
	}
	rng, ok := dateRange(w, r)
	if !ok {
		return
	}
	found, err := h.Ledger.DetectDiscrepancies(r.Context(), hostel, rng)
	if err != nil {
		writeError(w, h.Logger, "detect discrepancies", err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}
