package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pgstay/backend/internal/models"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func dispatchJob(args DispatchRetryArgs) *river.Job[DispatchRetryArgs] {
	return &river.Job[DispatchRetryArgs]{Args: args}
}

func TestDispatchRetry_PostsArgs(t *testing.T) {
	var got DispatchRetryArgs
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	args := DispatchRetryArgs{TransactionID: uuid.New(), Reference: "GTX-RZP-20260301-000001", Provider: models.ProviderRazorpay, Attempt: 2}
	w := NewDispatchRetryWorker(srv.URL, quietLogger())
	if err := w.Work(context.Background(), dispatchJob(args)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got != args {
		t.Errorf("callback received %+v, want %+v", got, args)
	}
}

func TestDispatchRetry_StatusHandling(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	w := NewDispatchRetryWorker(srv.URL, quietLogger())

	if err := w.Work(context.Background(), dispatchJob(DispatchRetryArgs{Reference: "r"})); err == nil {
		t.Error("5xx must be retried by returning an error")
	}
	status = http.StatusUnprocessableEntity
	if err := w.Work(context.Background(), dispatchJob(DispatchRetryArgs{Reference: "r"})); err == nil {
		t.Error("4xx must cancel the job")
	}
}

type dueFinder struct {
	due []*models.GatewayTransaction
	err error
}

func (d dueFinder) FindDueRetries(context.Context) ([]*models.GatewayTransaction, error) {
	return d.due, d.err
}

func TestSweepRetries(t *testing.T) {
	a := &models.GatewayTransaction{ID: uuid.New(), Reference: "A", RetryCount: 1, Provider: models.ProviderPayU}
	b := &models.GatewayTransaction{ID: uuid.New(), Reference: "B", RetryCount: 2, Provider: models.ProviderStripe}
	var inserted []DispatchRetryArgs
	insert := func(_ context.Context, args DispatchRetryArgs) error {
		inserted = append(inserted, args)
		return nil
	}
	w := NewSweepRetriesWorker(dueFinder{due: []*models.GatewayTransaction{a, b}}, insert, quietLogger())
	if err := w.Work(context.Background(), &river.Job[SweepRetriesArgs]{}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(inserted) != 2 || inserted[0].TransactionID != a.ID || inserted[1].Attempt != 2 {
		t.Errorf("inserted: %+v", inserted)
	}

	boom := errors.New("db down")
	w = NewSweepRetriesWorker(dueFinder{err: boom}, insert, quietLogger())
	if err := w.Work(context.Background(), &river.Job[SweepRetriesArgs]{}); !errors.Is(err, boom) {
		t.Errorf("expected finder error, got %v", err)
	}
}
