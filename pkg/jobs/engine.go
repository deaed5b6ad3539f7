package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/events"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/types"
)

// DefaultMaxRetries is applied when enqueue options leave it unset
const DefaultMaxRetries = 3

// EnqueueOptions tunes a single enqueue call. The zero value enqueues a
// normal-priority job runnable immediately with the default retry budget.
type EnqueueOptions struct {
	Priority    types.JobPriority
	ScheduledAt time.Time
	MaxRetries  *int
	DedupeKey   string
	StoreID     string
	UserID      string
}

// Engine is the durable job queue. It owns all state transitions and
// writes one history row per transition.
type Engine struct {
	store  Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewEngine creates a job engine over the given store
func NewEngine(store Store, broker *events.Broker) *Engine {
	return &Engine{
		store:  store,
		broker: broker,
		logger: log.WithComponent("jobs"),
	}
}

// Store exposes the underlying store for components that only read
func (e *Engine) Store() Store { return e.store }

// Enqueue creates a pending job. With a dedupe key, an already live
// (pending, running, or cancelling) job under the same key is returned
// instead of creating a second one.
func (e *Engine) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (*types.Job, error) {
	if opts.DedupeKey != "" {
		existing, err := e.store.FindLiveByDedupeKey(ctx, opts.DedupeKey)
		if err == nil {
			return existing, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	job := &types.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Priority:    opts.Priority,
		Status:      types.JobStatusPending,
		Payload:     payload,
		ScheduledAt: scheduledAt.UTC(),
		MaxRetries:  maxRetries,
		DedupeKey:   opts.DedupeKey,
		StoreID:     opts.StoreID,
		UserID:      opts.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		// Lost a race with another enqueuer; the store's unique
		// constraint held, so the winner is the live job.
		if errdefs.IsConflict(err) && opts.DedupeKey != "" {
			return e.store.FindLiveByDedupeKey(ctx, opts.DedupeKey)
		}
		return nil, err
	}

	metrics.JobsEnqueued.WithLabelValues(jobType).Inc()
	e.logger.Debug().Str("job_id", job.ID).Str("type", jobType).Msg("job enqueued")
	e.publish(events.EventJobEnqueued, job, "")
	return job, nil
}

// Get returns a job by id
func (e *Engine) Get(ctx context.Context, id string) (*types.Job, error) {
	return e.store.GetJob(ctx, id)
}

// List returns jobs matching the filter
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]*types.Job, error) {
	return e.store.ListJobs(ctx, filter)
}

// Lease hands up to n due jobs to a worker and records the transition
func (e *Engine) Lease(ctx context.Context, workerID string, typesAllowed []string, n int, visibility time.Duration) ([]*types.Job, error) {
	jobs, err := e.store.Lease(ctx, workerID, typesAllowed, n, visibility)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		metrics.JobsLeased.Inc()
		e.appendHistory(ctx, job, types.JobStatusRunning, "leased by "+workerID, "")
		e.publish(events.EventJobStarted, job, "")
	}
	return jobs, nil
}

// Complete finishes a job successfully
func (e *Engine) Complete(ctx context.Context, id string, result json.RawMessage) (*types.Job, error) {
	job, err := e.store.CompleteJob(ctx, id, result)
	if err != nil {
		return nil, err
	}
	metrics.JobsFinished.WithLabelValues(job.Type, string(types.JobStatusCompleted)).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(*job.StartedAt).Seconds())
	}
	e.appendHistory(ctx, job, types.JobStatusCompleted, "", "")
	e.publish(events.EventJobCompleted, job, "")
	return job, nil
}

// Fail records a handler failure. The job returns to pending with
// backoff while retries remain, otherwise it fails terminally.
func (e *Engine) Fail(ctx context.Context, id string, jobErr error) (*types.Job, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	job, err := e.store.FailJob(ctx, id, msg)
	if err != nil {
		return nil, err
	}

	if job.Status == types.JobStatusPending {
		metrics.JobsRetried.Inc()
		e.logger.Warn().Str("job_id", id).Int("retry", job.RetryCount).
			Time("next_attempt", job.ScheduledAt).Str("error", msg).Msg("job will retry")
	} else {
		metrics.JobsFinished.WithLabelValues(job.Type, string(types.JobStatusFailed)).Inc()
		e.logger.Error().Str("job_id", id).Str("error", msg).Msg("job failed terminally")
		e.publish(events.EventJobFailed, job, msg)
	}
	e.appendHistory(ctx, job, job.Status, "", msg)
	return job, nil
}

// Cancel requests cancellation. Pending jobs cancel immediately; running
// jobs move to cancelling and the worker acknowledges cooperatively.
func (e *Engine) Cancel(ctx context.Context, id string) (*types.Job, error) {
	job, err := e.store.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobStatusCancelled {
		metrics.JobsFinished.WithLabelValues(job.Type, string(types.JobStatusCancelled)).Inc()
		e.publish(events.EventJobCancelled, job, "")
	}
	e.appendHistory(ctx, job, job.Status, "cancel requested", "")
	return job, nil
}

// FinishCancel acknowledges a cancellation from the worker side
func (e *Engine) FinishCancel(ctx context.Context, id string) (*types.Job, error) {
	job, err := e.store.FinishCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.JobsFinished.WithLabelValues(job.Type, string(types.JobStatusCancelled)).Inc()
	e.appendHistory(ctx, job, types.JobStatusCancelled, "", "")
	e.publish(events.EventJobCancelled, job, "")
	return job, nil
}

// IsCancelRequested reports whether a job has been asked to stop
func (e *Engine) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	status, err := e.store.JobStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return status == types.JobStatusCancelling || status == types.JobStatusCancelled, nil
}

// UpdateProgress records handler progress
func (e *Engine) UpdateProgress(ctx context.Context, id string, progress float64, message string) error {
	return e.store.UpdateProgress(ctx, id, progress, message)
}

// History returns a job's transitions oldest first
func (e *Engine) History(ctx context.Context, jobID string) ([]*types.JobHistory, error) {
	return e.store.ListHistory(ctx, jobID)
}

// ReapExpired requeues running jobs whose lease lapsed
func (e *Engine) ReapExpired(ctx context.Context) (int, error) {
	n, err := e.store.ReapExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.JobsReaped.Add(float64(n))
		e.logger.Warn().Int("count", n).Msg("requeued jobs with expired leases")
	}
	return n, nil
}

// TrimHistory deletes history rows older than the retention window
func (e *Engine) TrimHistory(ctx context.Context, retention time.Duration) (int, error) {
	return e.store.TrimHistory(ctx, time.Now().UTC().Add(-retention))
}

func (e *Engine) appendHistory(ctx context.Context, job *types.Job, status types.JobStatus, message, errMsg string) {
	h := &types.JobHistory{
		JobID:      job.ID,
		Status:     status,
		Message:    message,
		Progress:   job.Progress,
		Error:      errMsg,
		ExecutedAt: time.Now().UTC(),
	}
	if status.Terminal() && job.StartedAt != nil {
		h.DurationMS = time.Since(*job.StartedAt).Milliseconds()
		h.Result = job.Result
	}
	if err := e.store.AppendHistory(ctx, h); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to append job history")
	}
}

func (e *Engine) publish(eventType events.EventType, job *types.Job, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		StoreID: job.StoreID,
		JobID:   job.ID,
		Message: message,
	})
}
