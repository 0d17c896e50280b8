package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)
	s := newTestSubscription()

	mock.ExpectQuery("SELECT .+ FROM webhook_subscriptions WHERE id").
		WithArgs(s.ID).
		WillReturnRows(pgxmock.NewRows(columnNames(subscriptionColumns)).AddRow(subscriptionValues(s)...))

	result, err := repo.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, s.TargetURL, result.TargetURL)
	assert.Equal(t, map[string]string{"X-Tenant": "t1"}, result.StaticHeaders)
	assert.Equal(t, []string{"order.paid"}, result.EventTypes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM webhook_subscriptions WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows(columnNames(subscriptionColumns)))

	result, err := repo.GetByID(context.Background(), 9)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestSubscriptionRepo_ListMatching(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)
	a := newTestSubscription()
	b := newTestSubscription()
	b.ID = 4
	b.EventTypes = []string{}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM webhook_subscriptions WHERE enabled AND \(cardinality\(event_types\) = 0`).
		WithArgs("order.paid").
		WillReturnRows(pgxmock.NewRows(columnNames(subscriptionColumns)).
			AddRow(subscriptionValues(a)...).
			AddRow(subscriptionValues(b)...))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	subs, err := repo.ListMatching(context.Background(), tx, "order.paid")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, int64(3), subs[0].ID)
	assert.Equal(t, int64(4), subs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_ListOpenCircuits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)
	now := testNow()
	s := newTestSubscription()
	until := now.Add(5 * time.Minute)
	s.CircuitOpenUntil = &until
	s.ConsecutiveFailures = 2

	mock.ExpectQuery("SELECT .+ FROM webhook_subscriptions WHERE circuit_open_until >").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows(columnNames(subscriptionColumns)).AddRow(subscriptionValues(s)...))

	subs, err := repo.ListOpenCircuits(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, until, *subs[0].CircuitOpenUntil)
	assert.Equal(t, 2, subs[0].ConsecutiveFailures)
}

func TestSubscriptionRepo_RecordFailure_OpensCircuit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)
	now := testNow()
	until := now.Add(300 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE webhook_subscriptions SET consecutive_failures = consecutive_failures \\+ 1").
		WithArgs(int64(3), now).
		WillReturnRows(pgxmock.NewRows([]string{"consecutive_failures", "circuit_open_until"}).
			AddRow(2, &until))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	state, err := repo.RecordFailure(context.Background(), tx, 3, now)
	require.NoError(t, err)
	assert.Equal(t, 2, state.ConsecutiveFailures)
	require.NotNil(t, state.CircuitOpenUntil)
	assert.Equal(t, until, *state.CircuitOpenUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_RecordFailure_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE webhook_subscriptions").
		WithArgs(anyArgs(2)...).
		WillReturnRows(pgxmock.NewRows([]string{"consecutive_failures", "circuit_open_until"}))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	_, err = repo.RecordFailure(context.Background(), tx, 404, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSubscriptionRepo_RecordSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSubscriptionRepo(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE webhook_subscriptions SET consecutive_failures = 0").
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.RecordSuccess(context.Background(), tx, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQualifyColumns(t *testing.T) {
	assert.Equal(t, "d.id, d.status", qualifyColumns("d", "id,\n\t\tstatus"))
}
