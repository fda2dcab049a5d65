package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-workspace/internal/store"
)

var runColumns = []string{
	"id", "operation", "started_at", "finished_at", "status", "note",
	"items", "tokens", "bytes", "failures", "updated_at",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *RunStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)
	return mock, s
}

func TestNewRunStoreWithPoolValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := NewRunStoreWithPool(nil, "runs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x")
	require.Error(t, err)
}

func TestStartRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO workspace_runs").
		WithArgs(id, "compress_all", now, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.StartRun(context.Background(), id, "compress_all", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunReportsMissingRow(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	note := "boom"

	mock.ExpectExec("UPDATE workspace_runs").
		WithArgs(now, store.RunError, &note, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), id, now, store.RunError, &note)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRunTotalsUpdatesCounters(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE workspace_runs").
		WithArgs(int64(3), int64(120), int64(0), int64(1), now, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.AddRunTotals(context.Background(), id, store.RunTotals{Items: 3, Tokens: 120, Failures: 1}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM workspace_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(id, "recalculate_tokens", started, &finished, "success", (*string)(nil),
				int64(4), int64(900), int64(0), int64(0), finished))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, int64(900), run.Tokens)
	require.NotNil(t, run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM workspace_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns))

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRunsAppliesFilter(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	status := store.RunPartial
	filter := "partial"

	mock.ExpectQuery("SELECT (.+) FROM workspace_runs").
		WithArgs(&filter, 10, 0).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(uuid.New(), "compress_all", started, (*time.Time)(nil), "partial", (*string)(nil),
				int64(2), int64(0), int64(2048), int64(1), started))

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunPartial, runs[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
