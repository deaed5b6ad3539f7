package cron

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// MemStore is an in-memory cron store used in tests and single-process
// development mode
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*types.CronEntry
	execs   []*types.CronExecution
	nextID  int64
}

// NewMemStore creates an empty in-memory cron store
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*types.CronEntry)}
}

func (s *MemStore) CreateEntry(ctx context.Context, entry *types.CronEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == entry.Name {
			return errdefs.Conflictf("cron entry %q already exists", entry.Name)
		}
	}
	clone := *entry
	s.entries[entry.ID] = &clone
	return nil
}

func (s *MemStore) UpsertByName(ctx context.Context, entry *types.CronEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == entry.Name {
			e.Expression = entry.Expression
			e.Timezone = entry.Timezone
			e.JobType = entry.JobType
			e.Configuration = entry.Configuration
			e.IsActive = entry.IsActive
			e.NextRunAt = entry.NextRunAt
			e.UpdatedAt = entry.CreatedAt
			return nil
		}
	}
	clone := *entry
	s.entries[entry.ID] = &clone
	return nil
}

func (s *MemStore) GetEntry(ctx context.Context, id string) (*types.CronEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, errdefs.NotFoundf("cron entry %s", id)
	}
	clone := *e
	return &clone, nil
}

func (s *MemStore) ListEntries(ctx context.Context) ([]*types.CronEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.CronEntry, 0, len(s.entries))
	for _, e := range s.entries {
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) DueEntries(ctx context.Context, now time.Time) ([]*types.CronEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.CronEntry
	for _, e := range s.entries {
		if !e.IsActive || e.IsPaused || e.NextRunAt == nil || e.NextRunAt.After(now) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemStore) MarkFired(ctx context.Context, id string, firedAt, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errdefs.NotFoundf("cron entry %s", id)
	}
	fired := firedAt
	next := nextRun
	e.LastRunAt = &fired
	e.NextRunAt = &next
	e.RunCount++
	e.ConsecutiveFailures = 0
	e.UpdatedAt = firedAt
	return nil
}

func (s *MemStore) MarkFailed(ctx context.Context, id string, nextRun time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, errdefs.NotFoundf("cron entry %s", id)
	}
	e.ConsecutiveFailures++
	e.FailureCount++
	next := nextRun
	e.NextRunAt = &next
	if e.ConsecutiveFailures >= e.MaxFailures {
		e.IsPaused = true
	}
	return e.IsPaused, nil
}

func (s *MemStore) SetPaused(ctx context.Context, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errdefs.NotFoundf("cron entry %s", id)
	}
	e.IsPaused = paused
	e.ConsecutiveFailures = 0
	return nil
}

func (s *MemStore) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return errdefs.NotFoundf("cron entry %s", id)
	}
	delete(s.entries, id)
	return nil
}

func (s *MemStore) RecordExecution(ctx context.Context, exec *types.CronExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	clone := *exec
	clone.ID = s.nextID
	s.execs = append(s.execs, &clone)
	return nil
}

func (s *MemStore) ListExecutions(ctx context.Context, entryID string, limit int) ([]*types.CronExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.CronExecution
	for i := len(s.execs) - 1; i >= 0; i-- {
		if s.execs[i].EntryID != entryID {
			continue
		}
		clone := *s.execs[i]
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
