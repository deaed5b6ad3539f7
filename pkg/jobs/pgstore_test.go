package jobs

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// sliceConverter lets the mock driver accept the []string arguments the
// pgx stdlib driver handles in production (e.g. type = ANY($n))
type sliceConverter struct{}

func (sliceConverter) ConvertValue(v any) (driver.Value, error) {
	if ss, ok := v.([]string); ok {
		return fmt.Sprintf("%v", ss), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newTestPGStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(sliceConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return NewPGStore(sqlx.NewDb(mockDB, "sqlmock"), DefaultRetryPolicy), mock
}

func TestPGLeaseQueryShape(t *testing.T) {
	store, mock := newTestPGStore(t)

	// Lease must select with SKIP LOCKED in deterministic order
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "status"}).
			AddRow("j1", "sync", "running"))

	jobs, err := store.Lease(context.Background(), "w1", []string{"sync"}, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLeaseOrderClause(t *testing.T) {
	store, mock := newTestPGStore(t)

	mock.ExpectQuery(`ORDER BY priority DESC, scheduled_at ASC, created_at ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Lease(context.Background(), "w1", nil, 5, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFailJobRetryClause(t *testing.T) {
	store, mock := newTestPGStore(t)

	mock.ExpectQuery(`retry_count \+ 1 < max_retries`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "retry_count"}).
			AddRow("j1", "pending", 1))

	job, err := store.FailJob(context.Background(), "j1", "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
}

func TestPGFailJobNotRunning(t *testing.T) {
	store, mock := newTestPGStore(t)

	mock.ExpectQuery(`UPDATE jobs SET`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.FailJob(context.Background(), "j1", "boom")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPGCancelJob(t *testing.T) {
	store, mock := newTestPGStore(t)

	mock.ExpectQuery(`WHEN status = 'pending' THEN 'cancelled'`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("j1", "cancelled"))

	job, err := store.CancelJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", string(job.Status))
}

func TestPGCreateJobDedupeClause(t *testing.T) {
	store, mock := newTestPGStore(t)

	// The insert must carry the arbiter matching the partial unique
	// index on live dedupe keys
	mock.ExpectExec(`ON CONFLICT \(dedupe_key\)`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateJob(context.Background(), &types.Job{
		ID:        "j1",
		Type:      "sync",
		Status:    types.JobStatusPending,
		DedupeKey: "sync:S1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateJobDedupeConflict(t *testing.T) {
	store, mock := newTestPGStore(t)

	// Zero rows affected means another instance won the insert
	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CreateJob(context.Background(), &types.Job{
		ID:        "j2",
		Type:      "sync",
		Status:    types.JobStatusPending,
		DedupeKey: "sync:S1",
	})
	assert.True(t, errdefs.IsConflict(err))
}

func TestPGReapExpired(t *testing.T) {
	store, mock := newTestPGStore(t)

	mock.ExpectExec(`lease_expires_at IS NOT NULL AND lease_expires_at <`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ReapExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
