// Command ledgerctl is the operator CLI for the ledger database: schema migration, balance lookups,
// discrepancy scans, reconciliation reports and operator tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pgstay/backend/internal/config"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/middleware"
	"github.com/pgstay/backend/internal/models"
	"github.com/pgstay/backend/internal/reconciliation"
	"github.com/pgstay/backend/internal/reference"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the hostel ledger and gateway reconciliation database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PGSTAY_CONFIG"), "optional YAML config file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(discrepanciesCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every database-backed command needs.
type env struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	ledger   ledger.Service
	reporter *reconciliation.Reporter
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	pool, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	epsilon, err := decimal.NewFromString(cfg.Reconciliation.Epsilon)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("reconciliation.epsilon: %w", err)
	}
	runner := database.NewRunner(pool, cfg.Database.MaxAttempts, logger)
	seq := reference.PgSequencer{}
	ledgerSvc := ledger.NewService(runner, ledger.NewRepository(pool), seq, cfg.Currency, logger)
	tracker := gateway.NewTracker(runner, gateway.NewRepository(pool), seq, gateway.RetryPolicy{
		MaxRetries: cfg.Gateway.MaxRetries,
		BaseDelay:  cfg.Gateway.RetryBaseDelay,
		MaxDelay:   cfg.Gateway.RetryMaxDelay,
	}, nil, logger)
	reporter := reconciliation.NewReporter(ledgerSvc, tracker, reconciliation.Thresholds{
		UnreconciledAfter: cfg.Reconciliation.UnreconciledAfter,
		UnverifiedAfter:   cfg.Reconciliation.UnverifiedAfter,
		UnsettledAfter:    cfg.Reconciliation.UnsettledAfter,
		Epsilon:           epsilon,
	}, logger)
	return &env{cfg: cfg, pool: pool, ledger: ledgerSvc, reporter: reporter}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema and River queue migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			if err := database.Migrate(ctx, e.pool); err != nil {
				return fmt.Errorf("schema: %w", err)
			}
			migrator, err := rivermigrate.New(riverpgxv5.New(e.pool), nil)
			if err != nil {
				return err
			}
			res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
			if err != nil {
				return fmt.Errorf("river: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied, %d river migration(s) run\n", len(res.Versions))
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <hostel-id> <student-id>",
		Short: "Print a student's current balance in a hostel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostel, student, err := parseStream(args[0], args[1])
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.pool.Close()

			bal, err := e.ledger.GetBalance(cmd.Context(), student, hostel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", bal.StringFixed(2), e.cfg.Currency)
			return nil
		},
	}
}

func discrepanciesCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "discrepancies <hostel-id>",
		Short: "List ledger entries whose stored balance disagrees with a replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostel, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("hostel id: %w", err)
			}
			rng, err := parseRange(from, to)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.pool.Close()

			found, err := e.ledger.DetectDiscrepancies(cmd.Context(), hostel, rng)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no discrepancies")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), found)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start of range (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of range, exclusive")
	return cmd
}

func reportCmd() *cobra.Command {
	var window time.Duration
	var failOnIssues bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run a full reconciliation pass and print the report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.pool.Close()

			var rng models.DateRange
			if window > 0 {
				rng.From = time.Now().UTC().Add(-window)
			}
			rep, err := e.reporter.Run(cmd.Context(), rng)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if failOnIssues && !rep.Clean() {
				return fmt.Errorf("reconciliation found issues")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 0, "only scan activity newer than this (0 scans everything)")
	cmd.Flags().BoolVar(&failOnIssues, "fail-on-issues", false, "exit non-zero when the report is not clean")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an operator or service account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			id := uuid.New()
			if subject != "" {
				if id, err = uuid.Parse(subject); err != nil {
					return fmt.Errorf("subject: %w", err)
				}
			}
			tok, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), middleware.Actor{ID: id, Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id (random when empty)")
	cmd.Flags().StringVar(&role, "role", middleware.RoleAccountant, "admin | accountant | warden | service")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func parseStream(hostelArg, studentArg string) (hostel, student uuid.UUID, err error) {
	if hostel, err = uuid.Parse(hostelArg); err != nil {
		return hostel, student, fmt.Errorf("hostel id: %w", err)
	}
	if student, err = uuid.Parse(studentArg); err != nil {
		return hostel, student, fmt.Errorf("student id: %w", err)
	}
	return hostel, student, nil
}

func parseRange(from, to string) (models.DateRange, error) {
	var rng models.DateRange
	for _, p := range []struct {
		v   string
		dst *time.Time
	}{{from, &rng.From}, {to, &rng.To}} {
		if p.v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.v)
		if err != nil {
			if t, err = time.Parse(time.DateOnly, p.v); err != nil {
				return rng, fmt.Errorf("invalid date %q", p.v)
			}
		}
		*p.dst = t
	}
	return rng, nil
}
