package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/types"
)

func newLivePool(t *testing.T, opts PoolOptions) (*Engine, *Pool) {
	t.Helper()

	engine := NewEngine(NewMemStore(DefaultRetryPolicy), nil)
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.CancelPollInterval == 0 {
		opts.CancelPollInterval = 20 * time.Millisecond
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	pool := NewPool(engine, opts)
	return engine, pool
}

func TestPoolRunsHandler(t *testing.T) {
	engine, pool := newLivePool(t, PoolOptions{})
	pool.Register("sync", func(ctx context.Context, job *types.Job, report ProgressFunc) (json.RawMessage, error) {
		report(0.5, "halfway")
		return json.RawMessage(`{"ok":true}`), nil
	})
	pool.Start()
	defer pool.Stop()

	job, err := engine.Enqueue(context.Background(), "sync", nil, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := engine.Get(context.Background(), job.ID)
		return err == nil && got.Status == types.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestPoolRetriesFailedHandler(t *testing.T) {
	engine, pool := newLivePool(t, PoolOptions{})
	pool.Register("sync", func(ctx context.Context, job *types.Job, report ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	pool.Start()
	defer pool.Stop()

	two := 2
	job, err := engine.Enqueue(context.Background(), "sync", nil, EnqueueOptions{MaxRetries: &two})
	require.NoError(t, err)

	// First failure consumes a retry and reschedules with backoff
	require.Eventually(t, func() bool {
		got, err := engine.Get(context.Background(), job.ID)
		return err == nil && got.RetryCount == 1 && got.Status == types.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolCooperativeCancel(t *testing.T) {
	engine, pool := newLivePool(t, PoolOptions{CancelPollInterval: 20 * time.Millisecond})

	started := make(chan struct{})
	pool.Register("slow", func(ctx context.Context, job *types.Job, report ProgressFunc) (json.RawMessage, error) {
		close(started)
		// Cooperative handler: waits for the cancellation signal
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})
	pool.Start()
	defer pool.Stop()

	job, err := engine.Enqueue(context.Background(), "slow", nil, EnqueueOptions{})
	require.NoError(t, err)

	<-started
	cancelledAt := time.Now()
	_, err = engine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := engine.Get(context.Background(), job.ID)
		return err == nil && got.Status == types.JobStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	got, err := engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CancelledAt)
	// Acknowledged within a few watchdog intervals of the cancel call
	assert.WithinDuration(t, cancelledAt, *got.CancelledAt, 500*time.Millisecond)
}

func TestPoolUnregisteredTypesNotLeased(t *testing.T) {
	engine, pool := newLivePool(t, PoolOptions{})
	pool.Register("known", func(ctx context.Context, job *types.Job, report ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})
	pool.Start()
	defer pool.Stop()

	job, err := engine.Enqueue(context.Background(), "unknown", nil, EnqueueOptions{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, err := engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
}

func TestTrimHistoryHandler(t *testing.T) {
	engine, _ := newLivePool(t, PoolOptions{})
	store := engine.Store().(*MemStore)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.AppendHistory(context.Background(), &types.JobHistory{
		JobID: "j1", Status: types.JobStatusCompleted, ExecutedAt: old,
	}))

	handler := TrimHistoryHandler(engine, 24*time.Hour)
	result, err := handler(context.Background(), &types.Job{ID: "trim"}, func(float64, string) {})
	require.NoError(t, err)
	assert.JSONEq(t, `{"trimmed":1}`, string(result))
}
