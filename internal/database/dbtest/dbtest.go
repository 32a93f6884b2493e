// Package dbtest provides a transaction double for service tests that run against in-memory repositories.
package dbtest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Tx satisfies pgx.Tx for code that only begins, commits and rolls back. Any query method panics
// through the nil embedded interface, which flags a repository mock that forgot to ignore tx.
type Tx struct {
	pgx.Tx
	Committed  bool
	RolledBack bool
}

func (t *Tx) Commit(context.Context) error {
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if !t.Committed {
		t.RolledBack = true
	}
	return nil
}

// Beginner hands out Tx values and counts them. BeginErr, when set, is returned by the next Begin calls.
type Beginner struct {
	mu       sync.Mutex
	Begun    int
	BeginErr error
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BeginErr != nil {
		return nil, b.BeginErr
	}
	b.Begun++
	return &Tx{}, nil
}
