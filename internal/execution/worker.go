// Package execution hands gateway transactions whose next_retry_at has passed to the payment
// service that talks to providers. The engine itself never calls a provider.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pgstay/backend/internal/models"
)

type DispatchRetryArgs struct {
	TransactionID uuid.UUID              `json:"transaction_id"`
	Reference     string                 `json:"reference"`
	PaymentID     uuid.UUID              `json:"payment_id"`
	Provider      models.GatewayProvider `json:"provider"`
	// Attempt is the retry_count at dispatch time; it makes each attempt a distinct unique job.
	Attempt int `json:"attempt"`
}

func (DispatchRetryArgs) Kind() string { return "dispatch_gateway_retry" }

func (DispatchRetryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// DispatchRetryWorker POSTs one due retry to the payment service callback.
type DispatchRetryWorker struct {
	river.WorkerDefaults[DispatchRetryArgs]
	callbackURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewDispatchRetryWorker(callbackURL string, logger *slog.Logger) *DispatchRetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchRetryWorker{
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

func (w *DispatchRetryWorker) Work(ctx context.Context, job *river.Job[DispatchRetryArgs]) error {
	args := job.Args
	body, err := json.Marshal(args)
	if err != nil {
		return river.JobCancel(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callbackURL, bytes.NewReader(body))
	if err != nil {
		return river.JobCancel(fmt.Errorf("build retry callback: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling retry callback: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.Info("gateway retry dispatched", "reference", args.Reference, "attempt", args.Attempt)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The payment service declined this attempt; redelivering will not change that.
		return river.JobCancel(fmt.Errorf("retry callback rejected %s: status %d", args.Reference, resp.StatusCode))
	default:
		return fmt.Errorf("retry callback returned status %d", resp.StatusCode)
	}
}

type DueRetryFinder interface {
	FindDueRetries(ctx context.Context) ([]*models.GatewayTransaction, error)
}

// InsertDispatchFunc enqueues one dispatch job. Provided by main using river.Client.Insert.
type InsertDispatchFunc func(ctx context.Context, args DispatchRetryArgs) error

type SweepRetriesArgs struct{}

func (SweepRetriesArgs) Kind() string { return "sweep_gateway_retries" }

// SweepRetriesWorker enqueues a dispatch for every FAILED transaction whose next_retry_at is due.
type SweepRetriesWorker struct {
	river.WorkerDefaults[SweepRetriesArgs]
	gateway DueRetryFinder
	insert  InsertDispatchFunc
	logger  *slog.Logger
}

func NewSweepRetriesWorker(g DueRetryFinder, insert InsertDispatchFunc, logger *slog.Logger) *SweepRetriesWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepRetriesWorker{gateway: g, insert: insert, logger: logger}
}

func (w *SweepRetriesWorker) Work(ctx context.Context, _ *river.Job[SweepRetriesArgs]) error {
	due, err := w.gateway.FindDueRetries(ctx)
	if err != nil {
		return err
	}
	for _, g := range due {
		if err := w.insert(ctx, DispatchRetryArgs{
			TransactionID: g.ID,
			Reference:     g.Reference,
			PaymentID:     g.PaymentID,
			Provider:      g.Provider,
			Attempt:       g.RetryCount,
		}); err != nil {
			return fmt.Errorf("enqueue retry for %s: %w", g.Reference, err)
		}
	}
	if len(due) > 0 {
		w.logger.Info("gateway retries enqueued", "count", len(due))
	}
	return nil
}

func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepRetriesArgs{}, nil
		},
		nil,
	)
}
