package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/middleware"
	"github.com/pgstay/backend/internal/models"
)

// statusFor maps the shared error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrInvalidStateTransition),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrRetryExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports business errors verbatim and hides everything else behind "internal error".
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		http.Error(w, `{"error":"invalid `+name+`"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func actorID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	a, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return a.ID, true
}

// parseTime accepts RFC 3339 timestamps or plain dates (midnight UTC).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// dateRange reads the optional from/to query parameters.
func dateRange(w http.ResponseWriter, r *http.Request) (models.DateRange, bool) {
	var rng models.DateRange
	for name, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			http.Error(w, `{"error":"invalid `+name+`"}`, http.StatusBadRequest)
			return rng, false
		}
		*dst = t
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		http.Error(w, `{"error":"from must be before to"}`, http.StatusBadRequest)
		return rng, false
	}
	return rng, true
}
