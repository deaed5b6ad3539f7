package cron

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/events"
	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/types"
)

// DefaultMaxFailures pauses an entry after this many consecutive
// enqueue failures
const DefaultMaxFailures = 5

// Enqueuer is the slice of the job engine the scheduler needs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts jobs.EnqueueOptions) (*types.Job, error)
}

// Scheduler turns due cron entries into jobs. Only the elected leader
// processes entries; every other instance idles on its ticker.
type Scheduler struct {
	store    Store
	enqueuer Enqueuer
	elector  LeaderElector
	broker   *events.Broker
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Options configures a scheduler
type Options struct {
	// TickInterval is how often due entries are checked
	TickInterval time.Duration

	// Elector gates ticking; nil means always leader (single instance)
	Elector LeaderElector

	// Broker receives cron.fired events; optional
	Broker *events.Broker
}

// NewScheduler creates a cron scheduler
func NewScheduler(store Store, enqueuer Enqueuer, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 15 * time.Second
	}
	return &Scheduler{
		store:    store,
		enqueuer: enqueuer,
		elector:  opts.Elector,
		broker:   opts.Broker,
		interval: opts.TickInterval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("cron"),
	}
}

// Start launches the tick loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info().Dur("interval", s.interval).Msg("cron scheduler started")
}

// Stop halts the loop and releases leadership
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if s.elector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.elector.Release(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release leadership")
		}
	}
	metrics.CronLeader.Set(0)
	s.logger.Info().Msg("cron scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.tick(ctx)
			cancel()
		}
	}
}

// tick processes all due entries once, if this instance leads
func (s *Scheduler) tick(ctx context.Context) {
	if s.elector != nil {
		leader, err := s.elector.Acquire(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("leader election failed")
			metrics.CronLeader.Set(0)
			return
		}
		if !leader {
			metrics.CronLeader.Set(0)
			return
		}
	}
	metrics.CronLeader.Set(1)

	now := time.Now().UTC()
	due, err := s.store.DueEntries(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list due cron entries")
		return
	}

	for _, entry := range due {
		s.fire(ctx, entry, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *types.CronEntry, now time.Time) {
	nextRun, err := NextRun(entry.Expression, entry.Timezone, now)
	if err != nil {
		// No next valid instant; skip quietly
		s.logger.Debug().Str("entry", entry.Name).Err(err).Msg("cron entry skipped")
		return
	}

	job, err := s.enqueuer.Enqueue(ctx, entry.JobType, entry.Configuration, jobs.EnqueueOptions{
		Priority:  types.JobPriorityNormal,
		DedupeKey: "cron:" + entry.ID,
	})
	if err != nil {
		metrics.CronFires.WithLabelValues("error").Inc()
		paused, markErr := s.store.MarkFailed(ctx, entry.ID, nextRun)
		if markErr != nil {
			s.logger.Error().Err(markErr).Str("entry", entry.Name).Msg("failed to record cron failure")
		}
		if paused {
			s.logger.Error().Str("entry", entry.Name).Msg("cron entry paused after repeated failures")
		}
		s.recordExecution(ctx, entry.ID, "", now, err.Error())
		return
	}

	if err := s.store.MarkFired(ctx, entry.ID, now, nextRun); err != nil {
		s.logger.Error().Err(err).Str("entry", entry.Name).Msg("failed to advance cron entry")
		return
	}

	metrics.CronFires.WithLabelValues("ok").Inc()
	s.recordExecution(ctx, entry.ID, job.ID, now, "")
	s.logger.Debug().Str("entry", entry.Name).Str("job_id", job.ID).
		Time("next_run", nextRun).Msg("cron entry fired")

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventCronFired,
			JobID:   job.ID,
			Message: entry.Name,
		})
	}
}

func (s *Scheduler) recordExecution(ctx context.Context, entryID, jobID string, firedAt time.Time, errMsg string) {
	err := s.store.RecordExecution(ctx, &types.CronExecution{
		EntryID: entryID,
		JobID:   jobID,
		FiredAt: firedAt,
		Error:   errMsg,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("entry_id", entryID).Msg("failed to record cron execution")
	}
}

// EnsureEntry installs or refreshes a system cron entry by name
func (s *Scheduler) EnsureEntry(ctx context.Context, name, expression, timezone, jobType string, configuration json.RawMessage) error {
	nextRun, err := NextRun(expression, timezone, time.Now().UTC())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.store.UpsertByName(ctx, &types.CronEntry{
		ID:            uuid.New().String(),
		Name:          name,
		Expression:    expression,
		Timezone:      timezone,
		JobType:       jobType,
		Configuration: configuration,
		Source:        types.CronSourceSystem,
		IsActive:      true,
		NextRunAt:     &nextRun,
		MaxFailures:   DefaultMaxFailures,
		CreatedAt:     now,
	})
}
