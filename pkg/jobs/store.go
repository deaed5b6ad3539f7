package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cartloom/cartloom/pkg/types"
)

// RetryPolicy computes the delay before a failed job runs again.
// Delay for the n-th retry is min(Cap, Base * 2^(n-1)).
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy matches the queue defaults: 30s doubling up to 1h
var DefaultRetryPolicy = RetryPolicy{Base: 30 * time.Second, Cap: time.Hour}

// Backoff returns the delay before retry n (1-based)
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// ListFilter narrows ListJobs results. Zero values match everything.
type ListFilter struct {
	StoreID string
	Status  types.JobStatus
	Type    string
	Limit   int
}

// Store persists jobs and their history. Implementations must make
// Lease atomic: no job is ever handed to two workers concurrently.
type Store interface {
	// CreateJob inserts a new pending job. With a dedupe key it is a
	// conflict error when a live job already holds the same key.
	CreateJob(ctx context.Context, job *types.Job) error

	// GetJob returns a job by id, ErrNotFound if absent
	GetJob(ctx context.Context, id string) (*types.Job, error)

	// JobStatus returns only the status of a job; cheaper than GetJob
	// for the cancellation watchdog
	JobStatus(ctx context.Context, id string) (types.JobStatus, error)

	// ListJobs returns jobs matching the filter, newest first
	ListJobs(ctx context.Context, filter ListFilter) ([]*types.Job, error)

	// FindLiveByDedupeKey returns the pending or running job holding the
	// dedupe key, ErrNotFound if none is live
	FindLiveByDedupeKey(ctx context.Context, key string) (*types.Job, error)

	// Lease atomically moves up to n due pending jobs to running,
	// stamped with the worker id and a lease deadline. Order is
	// priority desc, scheduled_at asc, created_at asc.
	Lease(ctx context.Context, workerID string, typesAllowed []string, n int, visibility time.Duration) ([]*types.Job, error)

	// CompleteJob moves a running or cancelling job to completed
	CompleteJob(ctx context.Context, id string, result json.RawMessage) (*types.Job, error)

	// FailJob records a failure. If the retry budget allows it the job
	// returns to pending with backoff applied; otherwise it fails
	// terminally.
	FailJob(ctx context.Context, id, errMsg string) (*types.Job, error)

	// CancelJob cancels a pending job immediately; a running job moves
	// to cancelling and waits for the worker to acknowledge
	CancelJob(ctx context.Context, id string) (*types.Job, error)

	// FinishCancel moves a cancelling job to cancelled; called by the
	// worker once it reaches a safe point
	FinishCancel(ctx context.Context, id string) (*types.Job, error)

	// UpdateProgress records handler progress on a running job
	UpdateProgress(ctx context.Context, id string, progress float64, message string) error

	// AppendHistory writes one transition record
	AppendHistory(ctx context.Context, h *types.JobHistory) error

	// ListHistory returns a job's transitions oldest first
	ListHistory(ctx context.Context, jobID string) ([]*types.JobHistory, error)

	// ReapExpired returns running jobs whose lease lapsed to pending
	// with an incremented retry count
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	// TrimHistory deletes history rows older than the cutoff
	TrimHistory(ctx context.Context, olderThan time.Time) (int, error)
}
