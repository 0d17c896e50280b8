package service

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// fakeTx implements pgx.Tx for testing
type fakeTx struct {
	pgx.Tx
	committed bool
}

func (m *fakeTx) Rollback(_ context.Context) error { return nil }
func (m *fakeTx) Commit(_ context.Context) error {
	m.committed = true
	return nil
}

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
