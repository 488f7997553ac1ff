package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

var runCols = []string{"id", "status", "items", "output", "error_text", "started_at", "finished_at", "succeeded", "failed"}

func TestRunStorePutRunUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	started := time.Unix(100, 0).UTC()
	finished := started.Add(time.Second)
	run := fanout.Run{
		ID:         "run-1",
		Status:     fanout.RunCompleted,
		Items:      []fanout.WorkItem{"https://a.example"},
		Output:     "A",
		StartedAt:  started,
		FinishedAt: &finished,
		Counters:   fanout.RunCounters{Succeeded: 1},
	}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "completed", pgxmock.AnyArg(), "A", "", started, &finished, 1, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PutRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	started := time.Unix(100, 0).UTC()
	finished := started.Add(2 * time.Second)
	mock.ExpectQuery("SELECT id, status, items").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows(runCols).
			AddRow("run-1", "failed", []byte(`["https://a.example","https://b.example"]`),
				"", "join barrier timed out: 1 of 2 activities unresolved", started, &finished, 1, 0))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, fanout.RunFailed, run.Status)
	require.Equal(t, []fanout.WorkItem{"https://a.example", "https://b.example"}, run.Items)
	require.Contains(t, run.ErrorText, "join barrier timed out")
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, fanout.RunCounters{Succeeded: 1}, run.Counters)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRunMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, status, items").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, fanout.ErrNotFound)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	started := time.Unix(100, 0).UTC()
	var pending *time.Time
	mock.ExpectQuery("SELECT id, status, items").
		WithArgs(10).
		WillReturnRows(mock.NewRows(runCols).
			AddRow("run-2", "pending", []byte(`["https://b.example"]`), "", "", started.Add(time.Second), pending, 0, 0).
			AddRow("run-1", "pending", []byte(`["https://a.example"]`), "", "", started, pending, 0, 0))

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Nil(t, runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn")
}
