// Package reference generates the human-readable, per-day sequenced references the engine hands out:
// LED-<YYYYMMDD>-<seq>, GTX-<PROVIDER>-<YYYYMMDD>-<seq> and RFD-<YYYYMMDD>-<seq>.
package reference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	ScopeLedger = "LED"
	ScopeRefund = "RFD"
)

// GatewayScope returns the counter scope for a provider; counters reset per provider per day.
func GatewayScope(provider string) string {
	return "GTX-" + strings.ToUpper(provider)
}

// Sequencer hands out the next sequence number for scope on day. Implementations must be collision-free
// across concurrent callers.
type Sequencer interface {
	Next(ctx context.Context, tx pgx.Tx, scope string, day time.Time) (int64, error)
}

// Format renders scope-day-seq, zero padding seq to six digits so references sort lexically.
func Format(scope string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", scope, day.UTC().Format("20060102"), seq)
}

// Generate draws the next number from s and formats it.
func Generate(ctx context.Context, s Sequencer, tx pgx.Tx, scope string, now time.Time) (string, error) {
	seq, err := s.Next(ctx, tx, scope, now)
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", scope, err)
	}
	return Format(scope, now, seq), nil
}

// PgSequencer keeps counters in reference_counters; the upsert takes a row lock that the caller's
// transaction holds until commit.
type PgSequencer struct{}

func (PgSequencer) Next(ctx context.Context, tx pgx.Tx, scope string, day time.Time) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO reference_counters (scope, day, seq) VALUES ($1, $2, 1)
		ON CONFLICT (scope, day) DO UPDATE SET seq = reference_counters.seq + 1
		RETURNING seq
	`, scope, day.UTC().Format("2006-01-02")).Scan(&seq)
	return seq, err
}

// MemorySequencer is an in-process Sequencer for tests and tooling.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]int64)}
}

func (m *MemorySequencer) Next(_ context.Context, _ pgx.Tx, scope string, day time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope + "/" + day.UTC().Format("20060102")
	m.counters[key]++
	return m.counters[key], nil
}
