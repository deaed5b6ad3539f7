package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// PGStore is the PostgreSQL-backed job store. Leasing relies on
// FOR UPDATE SKIP LOCKED, so concurrent workers never contend on the
// same rows.
type PGStore struct {
	db    *sqlx.DB
	retry RetryPolicy
}

// NewPGStore creates a job store over the master database
func NewPGStore(db *sqlx.DB, retry RetryPolicy) *PGStore {
	if retry.Base <= 0 {
		retry = DefaultRetryPolicy
	}
	return &PGStore{db: db, retry: retry}
}

func (s *PGStore) CreateJob(ctx context.Context, job *types.Job) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, type, priority, status, payload, scheduled_at, retry_count, max_retries,
			 progress, dedupe_key, store_id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, $8, $9, $10, $11, $11)
		ON CONFLICT (dedupe_key)
			WHERE dedupe_key <> '' AND status IN ('pending', 'running', 'cancelling')
			DO NOTHING`,
		job.ID, job.Type, job.Priority, job.Status, job.Payload, job.ScheduledAt,
		job.MaxRetries, job.DedupeKey, job.StoreID, job.UserID, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.Conflictf("live job exists for dedupe key %q", job.DedupeKey)
	}
	return nil
}

func (s *PGStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *PGStore) JobStatus(ctx context.Context, id string) (types.JobStatus, error) {
	var status types.JobStatus
	err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.NotFoundf("job %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

func (s *PGStore) ListJobs(ctx context.Context, filter ListFilter) ([]*types.Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	args := []any{}
	if filter.StoreID != "" {
		args = append(args, filter.StoreID)
		query += fmt.Sprintf(" AND store_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var jobs []*types.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PGStore) FindLiveByDedupeKey(ctx context.Context, key string) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, `
		SELECT * FROM jobs
		WHERE dedupe_key = $1 AND status IN ('pending', 'running', 'cancelling')
		ORDER BY created_at DESC LIMIT 1`,
		key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("no live job for dedupe key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job by dedupe key: %w", err)
	}
	return &job, nil
}

func (s *PGStore) Lease(ctx context.Context, workerID string, typesAllowed []string, n int, visibility time.Duration) ([]*types.Job, error) {
	now := time.Now().UTC()

	query := `
		UPDATE jobs SET
			status = 'running',
			started_at = $2,
			worker_id = $1,
			lease_expires_at = $3,
			updated_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_at <= $2`
	args := []any{workerID, now, now.Add(visibility)}
	if len(typesAllowed) > 0 {
		args = append(args, typesAllowed)
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	args = append(args, n)
	query += fmt.Sprintf(`
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, len(args))

	var jobs []*types.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}
	return jobs, nil
}

func (s *PGStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, `
		UPDATE jobs SET
			status = 'completed',
			result = $2,
			progress = 1,
			completed_at = $3,
			worker_id = '',
			lease_expires_at = NULL,
			updated_at = $3
		WHERE id = $1 AND status IN ('running', 'cancelling')
		RETURNING *`,
		id, result, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("running job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	return &job, nil
}

func (s *PGStore) FailJob(ctx context.Context, id, errMsg string) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, `
		UPDATE jobs SET
			status = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
			scheduled_at = CASE WHEN retry_count + 1 < max_retries
				THEN $3::timestamptz + make_interval(secs => LEAST($4::float8, $5::float8 * power(2, retry_count)))
				ELSE scheduled_at END,
			retry_count = CASE WHEN retry_count + 1 < max_retries THEN retry_count + 1 ELSE retry_count END,
			failed_at = CASE WHEN retry_count + 1 < max_retries THEN failed_at ELSE $3 END,
			last_error = $2,
			worker_id = '',
			lease_expires_at = NULL,
			updated_at = $3
		WHERE id = $1 AND status IN ('running', 'cancelling')
		RETURNING *`,
		id, errMsg, time.Now().UTC(), s.retry.Cap.Seconds(), s.retry.Base.Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("running job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fail job: %w", err)
	}
	return &job, nil
}

func (s *PGStore) CancelJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, `
		UPDATE jobs SET
			status = CASE
				WHEN status = 'pending' THEN 'cancelled'
				WHEN status = 'running' THEN 'cancelling'
				ELSE status END,
			cancelled_at = CASE WHEN status = 'pending' THEN $2 ELSE cancelled_at END,
			updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'running', 'cancelling')
		RETURNING *`,
		id, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("live job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return &job, nil
}

func (s *PGStore) FinishCancel(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, `
		UPDATE jobs SET
			status = 'cancelled',
			cancelled_at = $2,
			worker_id = '',
			lease_expires_at = NULL,
			updated_at = $2
		WHERE id = $1 AND status = 'cancelling'
		RETURNING *`,
		id, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("cancelling job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish cancel: %w", err)
	}
	return &job, nil
}

func (s *PGStore) UpdateProgress(ctx context.Context, id string, progress float64, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = $2, progress_message = $3, updated_at = $4
		WHERE id = $1 AND status IN ('running', 'cancelling')`,
		id, progress, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("running job %s", id)
	}
	return nil
}

func (s *PGStore) AppendHistory(ctx context.Context, h *types.JobHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_history (job_id, status, message, progress, result, error, executed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.JobID, h.Status, h.Message, h.Progress, h.Result, h.Error, h.ExecutedAt, h.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to append job history: %w", err)
	}
	return nil
}

func (s *PGStore) ListHistory(ctx context.Context, jobID string) ([]*types.JobHistory, error) {
	var out []*types.JobHistory
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM job_history WHERE job_id = $1 ORDER BY executed_at ASC, id ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	return out, nil
}

func (s *PGStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'pending',
			retry_count = retry_count + 1,
			worker_id = '',
			lease_expires_at = NULL,
			last_error = 'lease expired',
			scheduled_at = $1,
			updated_at = $1
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *PGStore) TrimHistory(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE executed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to trim job history: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
