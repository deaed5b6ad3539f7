package cron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// Store persists cron entries and their execution log
type Store interface {
	// CreateEntry inserts a new entry; the name must be unique
	CreateEntry(ctx context.Context, entry *types.CronEntry) error

	// UpsertByName inserts or refreshes an entry keyed by name. Used
	// for system entries so restarts converge on the current schedule.
	UpsertByName(ctx context.Context, entry *types.CronEntry) error

	// GetEntry returns an entry by id
	GetEntry(ctx context.Context, id string) (*types.CronEntry, error)

	// ListEntries returns every entry
	ListEntries(ctx context.Context) ([]*types.CronEntry, error)

	// DueEntries returns active, unpaused entries with next_run_at at
	// or before now
	DueEntries(ctx context.Context, now time.Time) ([]*types.CronEntry, error)

	// MarkFired records a successful fire: run counters advance,
	// failures reset, next_run_at moves forward
	MarkFired(ctx context.Context, id string, firedAt, nextRun time.Time) error

	// MarkFailed records a failed fire. Returns true when the failure
	// pushed the entry over its budget and paused it.
	MarkFailed(ctx context.Context, id string, nextRun time.Time) (bool, error)

	// SetPaused pauses or resumes an entry
	SetPaused(ctx context.Context, id string, paused bool) error

	// DeleteEntry removes an entry and its executions
	DeleteEntry(ctx context.Context, id string) error

	// RecordExecution appends one row to the execution log
	RecordExecution(ctx context.Context, exec *types.CronExecution) error

	// ListExecutions returns the most recent executions for an entry
	ListExecutions(ctx context.Context, entryID string, limit int) ([]*types.CronExecution, error)
}

// PGStore is the PostgreSQL-backed cron store
type PGStore struct {
	db *sqlx.DB
}

// NewPGStore creates a cron store over the master database
func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateEntry(ctx context.Context, entry *types.CronEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs
			(id, name, cron_expression, timezone, job_type, configuration, source,
			 is_active, is_paused, next_run_at, consecutive_failures, max_failures,
			 run_count, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, 0, 0, $12, $12)
		ON CONFLICT (name) DO NOTHING`,
		entry.ID, entry.Name, entry.Expression, entry.Timezone, entry.JobType,
		entry.Configuration, entry.Source, entry.IsActive, entry.IsPaused,
		entry.NextRunAt, entry.MaxFailures, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cron entry: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.Conflictf("cron entry %q already exists", entry.Name)
	}
	return nil
}

func (s *PGStore) UpsertByName(ctx context.Context, entry *types.CronEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs
			(id, name, cron_expression, timezone, job_type, configuration, source,
			 is_active, is_paused, next_run_at, consecutive_failures, max_failures,
			 run_count, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, 0, 0, $12, $12)
		ON CONFLICT (name) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			job_type = EXCLUDED.job_type,
			configuration = EXCLUDED.configuration,
			is_active = EXCLUDED.is_active,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = EXCLUDED.updated_at`,
		entry.ID, entry.Name, entry.Expression, entry.Timezone, entry.JobType,
		entry.Configuration, entry.Source, entry.IsActive, entry.IsPaused,
		entry.NextRunAt, entry.MaxFailures, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cron entry: %w", err)
	}
	return nil
}

func (s *PGStore) GetEntry(ctx context.Context, id string) (*types.CronEntry, error) {
	var entry types.CronEntry
	err := s.db.GetContext(ctx, &entry, `SELECT * FROM cron_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("cron entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cron entry: %w", err)
	}
	return &entry, nil
}

func (s *PGStore) ListEntries(ctx context.Context) ([]*types.CronEntry, error) {
	var entries []*types.CronEntry
	err := s.db.SelectContext(ctx, &entries, `SELECT * FROM cron_jobs ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron entries: %w", err)
	}
	return entries, nil
}

func (s *PGStore) DueEntries(ctx context.Context, now time.Time) ([]*types.CronEntry, error) {
	var entries []*types.CronEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM cron_jobs
		WHERE is_active AND NOT is_paused
		  AND next_run_at IS NOT NULL AND next_run_at <= $1`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due cron entries: %w", err)
	}
	return entries, nil
}

func (s *PGStore) MarkFired(ctx context.Context, id string, firedAt, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET
			last_run_at = $2,
			next_run_at = $3,
			run_count = run_count + 1,
			consecutive_failures = 0,
			updated_at = $2
		WHERE id = $1`,
		id, firedAt.UTC(), nextRun.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark cron entry fired: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, nextRun time.Time) (bool, error) {
	var paused bool
	err := s.db.GetContext(ctx, &paused, `
		UPDATE cron_jobs SET
			consecutive_failures = consecutive_failures + 1,
			failure_count = failure_count + 1,
			is_paused = (consecutive_failures + 1 >= max_failures),
			next_run_at = $2,
			updated_at = now()
		WHERE id = $1
		RETURNING is_paused`,
		id, nextRun.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return false, errdefs.NotFoundf("cron entry %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark cron entry failed: %w", err)
	}
	return paused, nil
}

func (s *PGStore) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET is_paused = $2, consecutive_failures = 0, updated_at = now()
		WHERE id = $1`,
		id, paused)
	if err != nil {
		return fmt.Errorf("failed to set cron entry paused: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("cron entry %s", id)
	}
	return nil
}

func (s *PGStore) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cron entry: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("cron entry %s", id)
	}
	return nil
}

func (s *PGStore) RecordExecution(ctx context.Context, exec *types.CronExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_job_executions (entry_id, job_id, fired_at, error)
		VALUES ($1, $2, $3, $4)`,
		exec.EntryID, exec.JobID, exec.FiredAt.UTC(), exec.Error)
	if err != nil {
		return fmt.Errorf("failed to record cron execution: %w", err)
	}
	return nil
}

func (s *PGStore) ListExecutions(ctx context.Context, entryID string, limit int) ([]*types.CronExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*types.CronExecution
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM cron_job_executions
		WHERE entry_id = $1 ORDER BY fired_at DESC LIMIT $2`,
		entryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron executions: %w", err)
	}
	return out, nil
}
