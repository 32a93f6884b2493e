// Package reconciliation aggregates ledger and gateway state into read-only reports: balance
// snapshots, unreconciled entries, unverified or unsettled gateway transactions, provider
// performance and gateway amount discrepancies.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/models"
)

type LedgerReader interface {
	ListHostels(ctx context.Context) ([]uuid.UUID, error)
	ListHostelEntries(ctx context.Context, hostelID uuid.UUID, rng models.DateRange) ([]*models.LedgerEntry, error)
	ListUnreconciled(ctx context.Context, hostelID uuid.UUID, olderThan time.Duration) ([]*models.LedgerEntry, error)
}

type GatewayReader interface {
	FindUnverified(ctx context.Context, olderThan time.Duration) ([]*models.GatewayTransaction, error)
	FindUnsettled(ctx context.Context, olderThan time.Duration) ([]*models.GatewayTransaction, error)
	ListByRange(ctx context.Context, rng models.DateRange) ([]*models.GatewayTransaction, error)
}

type Thresholds struct {
	UnreconciledAfter time.Duration
	UnverifiedAfter   time.Duration
	UnsettledAfter    time.Duration
	Epsilon           decimal.Decimal
}

// StudentBalance is one stream in a hostel snapshot. Consistent is false when the summed
// amounts disagree with the last stored balance_after.
type StudentBalance struct {
	StudentID        uuid.UUID       `json:"student_id"`
	Balance          decimal.Decimal `json:"balance"`
	LastBalanceAfter decimal.Decimal `json:"last_balance_after"`
	EntryCount       int             `json:"entry_count"`
	LastEntryAt      time.Time       `json:"last_entry_at"`
	Consistent       bool            `json:"consistent"`
}

type HostelSnapshot struct {
	HostelID uuid.UUID        `json:"hostel_id"`
	AsOf     time.Time        `json:"as_of"`
	Students []StudentBalance `json:"students"`
	Total    decimal.Decimal  `json:"total"`
}

type ProviderPerformance struct {
	Provider       models.GatewayProvider `json:"provider"`
	Total          int                    `json:"total"`
	Succeeded      int                    `json:"succeeded"`
	Failed         int                    `json:"failed"`
	Cancelled      int                    `json:"cancelled"`
	TimedOut       int                    `json:"timed_out"`
	InFlight       int                    `json:"in_flight"`
	SuccessRate    float64                `json:"success_rate"`
	MeanCompletion time.Duration          `json:"mean_completion_ns"`
	Gross          decimal.Decimal        `json:"gross"`
	Fees           decimal.Decimal        `json:"fees"`
	Net            decimal.Decimal        `json:"net"`
}

const (
	DiscrepancyNetArithmetic = "net_arithmetic"
	DiscrepancySettlement    = "settlement_mismatch"
)

type GatewayDiscrepancy struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Kind          string          `json:"kind"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
}

type HostelReport struct {
	Snapshot     HostelSnapshot           `json:"snapshot"`
	Unreconciled []*models.LedgerEntry    `json:"unreconciled"`
	Mismatches   []models.BalanceMismatch `json:"mismatches"`
}

// Report is one full reconciliation pass.
type Report struct {
	GeneratedAt          time.Time                    `json:"generated_at"`
	Range                models.DateRange             `json:"range"`
	Hostels              []HostelReport               `json:"hostels"`
	Unverified           []*models.GatewayTransaction `json:"unverified"`
	Unsettled            []*models.GatewayTransaction `json:"unsettled"`
	Performance          []ProviderPerformance        `json:"performance"`
	GatewayDiscrepancies []GatewayDiscrepancy         `json:"gateway_discrepancies"`
}

// Clean reports whether the pass found nothing needing attention.
func (r *Report) Clean() bool {
	for _, h := range r.Hostels {
		if len(h.Mismatches) > 0 || len(h.Unreconciled) > 0 {
			return false
		}
	}
	return len(r.Unverified) == 0 && len(r.Unsettled) == 0 && len(r.GatewayDiscrepancies) == 0
}

type Reporter struct {
	ledger  LedgerReader
	gateway GatewayReader
	limits  Thresholds
	logger  *slog.Logger
	now     func() time.Time
}

func NewReporter(l LedgerReader, g GatewayReader, limits Thresholds, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Epsilon.IsZero() {
		limits.Epsilon = ledger.DefaultEpsilon
	}
	return &Reporter{ledger: l, gateway: g, limits: limits, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// BalanceSnapshot sums every stream of the hostel up to asOf (zero means now).
func (r *Reporter) BalanceSnapshot(ctx context.Context, hostelID uuid.UUID, asOf time.Time) (HostelSnapshot, error) {
	if asOf.IsZero() {
		asOf = r.now()
	}
	entries, err := r.ledger.ListHostelEntries(ctx, hostelID, models.DateRange{To: asOf.Add(time.Nanosecond)})
	if err != nil {
		return HostelSnapshot{}, fmt.Errorf("hostel %s entries: %w", hostelID, err)
	}
	return snapshot(hostelID, asOf, entries, r.limits.Epsilon), nil
}

func snapshot(hostelID uuid.UUID, asOf time.Time, entries []*models.LedgerEntry, epsilon decimal.Decimal) HostelSnapshot {
	byStudent := make(map[uuid.UUID]*StudentBalance)
	var order []uuid.UUID
	for _, e := range entries {
		sb, ok := byStudent[e.StudentID]
		if !ok {
			sb = &StudentBalance{StudentID: e.StudentID}
			byStudent[e.StudentID] = sb
			order = append(order, e.StudentID)
		}
		sb.Balance = sb.Balance.Add(e.Amount)
		sb.LastBalanceAfter = e.BalanceAfter
		sb.EntryCount++
		if e.PostedAt.After(sb.LastEntryAt) {
			sb.LastEntryAt = e.PostedAt
		}
	}
	snap := HostelSnapshot{HostelID: hostelID, AsOf: asOf, Total: decimal.Zero}
	for _, id := range order {
		sb := byStudent[id]
		sb.Consistent = sb.Balance.Sub(sb.LastBalanceAfter).Abs().LessThanOrEqual(epsilon)
		snap.Students = append(snap.Students, *sb)
		snap.Total = snap.Total.Add(sb.Balance)
	}
	return snap
}

func (r *Reporter) UnreconciledEntries(ctx context.Context, hostelID uuid.UUID) ([]*models.LedgerEntry, error) {
	return r.ledger.ListUnreconciled(ctx, hostelID, r.limits.UnreconciledAfter)
}

func (r *Reporter) UnverifiedTransactions(ctx context.Context) ([]*models.GatewayTransaction, error) {
	return r.gateway.FindUnverified(ctx, r.limits.UnverifiedAfter)
}

func (r *Reporter) UnsettledTransactions(ctx context.Context) ([]*models.GatewayTransaction, error) {
	return r.gateway.FindUnsettled(ctx, r.limits.UnsettledAfter)
}

func (r *Reporter) GatewayPerformance(ctx context.Context, rng models.DateRange) ([]ProviderPerformance, error) {
	txs, err := r.gateway.ListByRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	return performance(txs), nil
}

func performance(txs []*models.GatewayTransaction) []ProviderPerformance {
	stats := make(map[models.GatewayProvider]*ProviderPerformance)
	completion := make(map[models.GatewayProvider]time.Duration)
	for _, g := range txs {
		if g.Type != models.GatewayTxPayment {
			continue
		}
		p, ok := stats[g.Provider]
		if !ok {
			p = &ProviderPerformance{Provider: g.Provider}
			stats[g.Provider] = p
		}
		p.Total++
		switch {
		case g.Status.Succeeded():
			p.Succeeded++
			p.Gross = p.Gross.Add(g.Amount)
			if g.GatewayFee != nil {
				p.Fees = p.Fees.Add(*g.GatewayFee)
			}
			if g.TaxAmount != nil {
				p.Fees = p.Fees.Add(*g.TaxAmount)
			}
			if g.NetAmount != nil {
				p.Net = p.Net.Add(*g.NetAmount)
			} else {
				p.Net = p.Net.Add(g.Amount)
			}
			if g.CompletedAt != nil {
				completion[g.Provider] += g.CompletedAt.Sub(g.InitiatedAt)
			}
		case g.Status == models.GatewayFailed:
			p.Failed++
		case g.Status == models.GatewayCancelled:
			p.Cancelled++
		case g.Status == models.GatewayTimeout:
			p.TimedOut++
		default:
			p.InFlight++
		}
	}
	out := make([]ProviderPerformance, 0, len(stats))
	for prov, p := range stats {
		if settled := p.Total - p.InFlight; settled > 0 {
			p.SuccessRate = float64(p.Succeeded) / float64(settled)
		}
		if p.Succeeded > 0 {
			p.MeanCompletion = completion[prov] / time.Duration(p.Succeeded)
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// GatewayDiscrepancies checks net = amount - fee - tax on every transaction with known fees, and
// that recorded settlements match the net amount.
func (r *Reporter) GatewayDiscrepancies(ctx context.Context, rng models.DateRange) ([]GatewayDiscrepancy, error) {
	txs, err := r.gateway.ListByRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	return discrepancies(txs, r.limits.Epsilon), nil
}

func discrepancies(txs []*models.GatewayTransaction, epsilon decimal.Decimal) []GatewayDiscrepancy {
	var out []GatewayDiscrepancy
	for _, g := range txs {
		if g.NetAmount != nil {
			expected := g.Amount
			if g.GatewayFee != nil {
				expected = expected.Sub(*g.GatewayFee)
			}
			if g.TaxAmount != nil {
				expected = expected.Sub(*g.TaxAmount)
			}
			if expected.Sub(*g.NetAmount).Abs().GreaterThan(epsilon) {
				out = append(out, GatewayDiscrepancy{
					TransactionID: g.ID, Reference: g.Reference, Kind: DiscrepancyNetArithmetic,
					Expected: expected, Actual: *g.NetAmount,
				})
			}
		}
		if g.SettlementAmount != nil {
			expected := g.Amount
			if g.NetAmount != nil {
				expected = *g.NetAmount
			}
			if expected.Sub(*g.SettlementAmount).Abs().GreaterThan(epsilon) {
				out = append(out, GatewayDiscrepancy{
					TransactionID: g.ID, Reference: g.Reference, Kind: DiscrepancySettlement,
					Expected: expected, Actual: *g.SettlementAmount,
				})
			}
		}
	}
	return out
}

// Run performs a full pass over every hostel with ledger activity plus the gateway checks. rng
// limits the mismatch scan and gateway checks; snapshots are always full balances as of now.
func (r *Reporter) Run(ctx context.Context, rng models.DateRange) (*Report, error) {
	now := r.now()
	rep := &Report{GeneratedAt: now, Range: rng}

	hostels, err := r.ledger.ListHostels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hostels: %w", err)
	}
	for _, h := range hostels {
		// Balances cover the whole history; the window only bounds the chain check.
		snap, err := r.BalanceSnapshot(ctx, h, now)
		if err != nil {
			return nil, err
		}
		entries, err := r.ledger.ListHostelEntries(ctx, h, rng)
		if err != nil {
			return nil, fmt.Errorf("hostel %s entries: %w", h, err)
		}
		unrec, err := r.UnreconciledEntries(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("hostel %s unreconciled: %w", h, err)
		}
		rep.Hostels = append(rep.Hostels, HostelReport{
			Snapshot:     snap,
			Unreconciled: unrec,
			Mismatches:   ledger.FindMismatches(entries, r.limits.Epsilon),
		})
	}

	if rep.Unverified, err = r.UnverifiedTransactions(ctx); err != nil {
		return nil, fmt.Errorf("unverified: %w", err)
	}
	if rep.Unsettled, err = r.UnsettledTransactions(ctx); err != nil {
		return nil, fmt.Errorf("unsettled: %w", err)
	}
	txs, err := r.gateway.ListByRange(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("gateway range: %w", err)
	}
	rep.Performance = performance(txs)
	rep.GatewayDiscrepancies = discrepancies(txs, r.limits.Epsilon)

	r.logger.Info("reconciliation pass",
		"hostels", len(rep.Hostels),
		"unverified", len(rep.Unverified),
		"unsettled", len(rep.Unsettled),
		"gateway_discrepancies", len(rep.GatewayDiscrepancies),
		"clean", rep.Clean())
	return rep, nil
}
