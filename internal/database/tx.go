package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgstay/backend/internal/apperr"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Runner executes units of work inside a transaction, retrying transient faults a bounded number of times.
type Runner struct {
	DB          TxBeginner
	MaxAttempts int
	Logger      *slog.Logger
	backoff     time.Duration
}

func NewRunner(db TxBeginner, maxAttempts int, logger *slog.Logger) *Runner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{DB: db, MaxAttempts: maxAttempts, Logger: logger, backoff: 20 * time.Millisecond}
}

// InTx runs fn in a fresh transaction and commits it. Business errors returned by fn roll back and
// are returned untouched; transient driver errors are retried; anything else is wrapped in
// apperr.ErrPersistence.
func (r *Runner) InTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		err = r.once(ctx, fn)
		if err == nil || apperr.IsBusiness(err) || !isTransient(err) {
			break
		}
		if attempt < r.MaxAttempts {
			r.Logger.Warn("retrying transaction", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}
	}
	return classify(err)
}

func (r *Runner) once(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func classify(err error) error {
	if err == nil || apperr.IsBusiness(err) || errors.Is(err, apperr.ErrPersistence) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
}
