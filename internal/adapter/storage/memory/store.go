// Package memory keeps the delivery engine's tables in process memory. It backs
// the memory storage driver and the engine's scenario tests.
//
// Transactions are serialized: Begin takes a store-wide lock that is held until
// Commit or Rollback, so a claim can never observe rows another claim is about
// to move. Rollback restores the snapshot taken at Begin. Stored rows are
// treated as immutable; every write replaces the row with an updated copy.
package memory

import (
	"context"
	"errors"
	"sync"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errNoSQL = errors.New("memory store does not execute SQL")

type tables struct {
	events        map[int64]*domain.WebhookEvent
	eventKeys     map[string]int64
	subscriptions map[int64]*domain.WebhookSubscription
	deliveries    map[int64]*domain.WebhookDelivery
	deadLetters   map[int64]*domain.DeadLetterEntry // keyed by dispatch id

	eventSeq        int64
	subscriptionSeq int64
	deliverySeq     int64
	deadLetterSeq   int64
}

func newTables() *tables {
	return &tables{
		events:        make(map[int64]*domain.WebhookEvent),
		eventKeys:     make(map[string]int64),
		subscriptions: make(map[int64]*domain.WebhookSubscription),
		deliveries:    make(map[int64]*domain.WebhookDelivery),
		deadLetters:   make(map[int64]*domain.DeadLetterEntry),
	}
}

// snapshot copies the indexes. Rows are shared because they are never mutated in place.
func (t *tables) snapshot() *tables {
	c := *t
	c.events = cloneMap(t.events)
	c.eventKeys = cloneMap(t.eventKeys)
	c.subscriptions = cloneMap(t.subscriptions)
	c.deliveries = cloneMap(t.deliveries)
	c.deadLetters = cloneMap(t.deadLetters)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store owns the in-memory tables shared by the repositories.
type Store struct {
	txSem chan struct{} // held for the lifetime of a transaction
	mu    sync.RWMutex
	data  *tables
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		txSem: make(chan struct{}, 1),
		data:  newTables(),
	}
}

// lockWrites serializes a non-transactional write against open transactions.
func (s *Store) lockWrites(ctx context.Context) (func(), error) {
	select {
	case s.txSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		<-s.txSem
	}, nil
}

// Transactor implements ports.DBTransactor over a Store.
type Transactor struct {
	store *Store
}

// NewTransactor creates a transactor for the store.
func NewTransactor(store *Store) *Transactor {
	return &Transactor{store: store}
}

// Begin waits for any open transaction to finish, then starts a new one.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case t.store.txSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.store.mu.RLock()
	saved := t.store.data.snapshot()
	t.store.mu.RUnlock()

	return &memTx{store: t.store, saved: saved}, nil
}

// memTx is a pgx.Tx whose only meaningful operations are Commit and Rollback.
// The SQL methods exist to satisfy the interface and are never called by the
// memory repositories.
type memTx struct {
	store *Store
	saved *tables
	mu    sync.Mutex
	done  bool
}

func (t *memTx) finish(restore bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if restore {
		t.store.mu.Lock()
		t.store.data = t.saved
		t.store.mu.Unlock()
	}
	t.saved = nil
	<-t.store.txSem
	return nil
}

func (t *memTx) Commit(ctx context.Context) error   { return t.finish(false) }
func (t *memTx) Rollback(ctx context.Context) error { return t.finish(true) }

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errNoSQL
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *memTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errNoSQL
}
func (t *memTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errNoSQL
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errNoSQL
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}
func (t *memTx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(dest ...any) error { return errNoSQL }

// HealthCheck implements ports.HealthChecker for the memory driver.
type HealthCheck struct{}

func (HealthCheck) Ping(ctx context.Context) error { return ctx.Err() }
func (HealthCheck) Name() string                   { return "memory" }
