package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reconciliation"
)

type ReconcileArgs struct {
	// Window bounds the ledger and gateway range scanned; zero scans everything.
	Window time.Duration `json:"window"`
}

func (ReconcileArgs) Kind() string { return "reconcile_ledger" }

type ReportRunner interface {
	Run(ctx context.Context, rng models.DateRange) (*reconciliation.Report, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reporter ReportRunner
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconcileWorker(r ReportRunner, logger *slog.Logger) *ReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileWorker{reporter: r, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	var rng models.DateRange
	if job.Args.Window > 0 {
		rng.From = w.now().Add(-job.Args.Window)
	}
	rep, err := w.reporter.Run(ctx, rng)
	if err != nil {
		return err
	}
	if rep.Clean() {
		return nil
	}
	for _, h := range rep.Hostels {
		for _, m := range h.Mismatches {
			w.logger.Warn("ledger mismatch",
				"hostel_id", h.Snapshot.HostelID, "student_id", m.StudentID, "entry", m.Reference,
				"kind", m.Kind, "expected", m.Expected.String(), "stored", m.Stored.String())
		}
		if n := len(h.Unreconciled); n > 0 {
			w.logger.Info("unreconciled entries", "hostel_id", h.Snapshot.HostelID, "count", n)
		}
	}
	for _, d := range rep.GatewayDiscrepancies {
		w.logger.Warn("gateway discrepancy", "reference", d.Reference, "kind", d.Kind,
			"expected", d.Expected.String(), "actual", d.Actual.String())
	}
	if len(rep.Unverified) > 0 || len(rep.Unsettled) > 0 {
		w.logger.Warn("gateway stragglers", "unverified", len(rep.Unverified), "unsettled", len(rep.Unsettled))
	}
	return nil
}

// PeriodicReconcile schedules ReconcileWorker every interval, starting at boot.
func PeriodicReconcile(interval, window time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{Window: window}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
