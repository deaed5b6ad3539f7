package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// MemStore is an in-memory job store with the same transition semantics
// as PGStore. Used in tests and in single-process development mode.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*types.Job
	history []*types.JobHistory
	nextID  int64
	retry   RetryPolicy

	// Now is the clock; overridable in tests
	Now func() time.Time
}

// NewMemStore creates an empty in-memory store
func NewMemStore(retry RetryPolicy) *MemStore {
	if retry.Base <= 0 {
		retry = DefaultRetryPolicy
	}
	return &MemStore{
		jobs:  make(map[string]*types.Job),
		retry: retry,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) CreateJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.DedupeKey != "" {
		for _, existing := range s.jobs {
			if existing.DedupeKey == job.DedupeKey && !existing.Status.Terminal() {
				return errdefs.Conflictf("live job exists for dedupe key %q", job.DedupeKey)
			}
		}
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errdefs.NotFoundf("job %s", id)
	}
	clone := *job
	return &clone, nil
}

func (s *MemStore) JobStatus(ctx context.Context, id string) (types.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", errdefs.NotFoundf("job %s", id)
	}
	return job.Status, nil
}

func (s *MemStore) ListJobs(ctx context.Context, filter ListFilter) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Job
	for _, job := range s.jobs {
		if filter.StoreID != "" && job.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) FindLiveByDedupeKey(ctx context.Context, key string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.DedupeKey == key && !job.Status.Terminal() {
			clone := *job
			return &clone, nil
		}
	}
	return nil, errdefs.NotFoundf("no live job for dedupe key %q", key)
}

func (s *MemStore) Lease(ctx context.Context, workerID string, typesAllowed []string, n int, visibility time.Duration) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var due []*types.Job
	for _, job := range s.jobs {
		if job.Status != types.JobStatusPending || job.ScheduledAt.After(now) {
			continue
		}
		if len(typesAllowed) > 0 && !contains(typesAllowed, job.Type) {
			continue
		}
		due = append(due, job)
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if len(due) > n {
		due = due[:n]
	}

	out := make([]*types.Job, 0, len(due))
	for _, job := range due {
		started := now
		lease := now.Add(visibility)
		job.Status = types.JobStatusRunning
		job.StartedAt = &started
		job.WorkerID = workerID
		job.LeaseExpiresAt = &lease
		job.UpdatedAt = now
		clone := *job
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || (job.Status != types.JobStatusRunning && job.Status != types.JobStatusCancelling) {
		return nil, errdefs.NotFoundf("running job %s", id)
	}
	now := s.Now()
	job.Status = types.JobStatusCompleted
	job.Result = result
	job.Progress = 1
	job.CompletedAt = &now
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	clone := *job
	return &clone, nil
}

func (s *MemStore) FailJob(ctx context.Context, id, errMsg string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || (job.Status != types.JobStatusRunning && job.Status != types.JobStatusCancelling) {
		return nil, errdefs.NotFoundf("running job %s", id)
	}
	now := s.Now()
	job.LastError = errMsg
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	if job.RetryCount+1 < job.MaxRetries {
		job.RetryCount++
		job.Status = types.JobStatusPending
		job.ScheduledAt = now.Add(s.retry.Backoff(job.RetryCount))
	} else {
		job.Status = types.JobStatusFailed
		job.FailedAt = &now
	}
	clone := *job
	return &clone, nil
}

func (s *MemStore) CancelJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errdefs.NotFoundf("live job %s", id)
	}
	now := s.Now()
	switch job.Status {
	case types.JobStatusPending:
		job.Status = types.JobStatusCancelled
		job.CancelledAt = &now
	case types.JobStatusRunning:
		job.Status = types.JobStatusCancelling
	case types.JobStatusCancelling:
		// already signalled
	default:
		return nil, errdefs.NotFoundf("live job %s", id)
	}
	job.UpdatedAt = now
	clone := *job
	return &clone, nil
}

func (s *MemStore) FinishCancel(ctx context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != types.JobStatusCancelling {
		return nil, errdefs.NotFoundf("cancelling job %s", id)
	}
	now := s.Now()
	job.Status = types.JobStatusCancelled
	job.CancelledAt = &now
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	clone := *job
	return &clone, nil
}

func (s *MemStore) UpdateProgress(ctx context.Context, id string, progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || (job.Status != types.JobStatusRunning && job.Status != types.JobStatusCancelling) {
		return errdefs.NotFoundf("running job %s", id)
	}
	job.Progress = progress
	job.ProgressMessage = message
	job.UpdatedAt = s.Now()
	return nil
}

func (s *MemStore) AppendHistory(ctx context.Context, h *types.JobHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	clone := *h
	clone.ID = s.nextID
	s.history = append(s.history, &clone)
	return nil
}

func (s *MemStore) ListHistory(ctx context.Context, jobID string) ([]*types.JobHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.JobHistory
	for _, h := range s.history {
		if h.JobID == jobID {
			clone := *h
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for _, job := range s.jobs {
		if job.Status != types.JobStatusRunning || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		job.Status = types.JobStatusPending
		job.RetryCount++
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.LastError = "lease expired"
		job.ScheduledAt = now
		job.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

func (s *MemStore) TrimHistory(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0]
	trimmed := 0
	for _, h := range s.history {
		if h.ExecutedAt.Before(olderThan) {
			trimmed++
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept
	return trimmed, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
