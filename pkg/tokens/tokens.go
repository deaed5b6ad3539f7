package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/types"
)

// DefaultMaxFailures is applied when a token is registered without an
// explicit failure budget
const DefaultMaxFailures = 5

// Registry tracks integration token expiry across all stores
type Registry struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// New creates a token registry over the master database
func New(db *sqlx.DB) *Registry {
	return &Registry{
		db:     db,
		logger: log.WithComponent("tokens"),
	}
}

// DeriveStatus classifies a token by its expiry relative to now. A token
// whose expiry falls within the buffer (inclusive) is expiring; one at or
// before now is expired.
func DeriveStatus(expiresAt, now time.Time, buffer time.Duration) types.TokenStatus {
	if !expiresAt.After(now) {
		return types.TokenStatusExpired
	}
	if !expiresAt.After(now.Add(buffer)) {
		return types.TokenStatusExpiring
	}
	return types.TokenStatusActive
}

// Upsert registers or replaces the expiry record for a token, keyed by
// (store_id, integration_type, config_key). Re-registering a token resets
// its failure count and status; a token that previously hit its failure
// budget becomes eligible for refresh again.
func (r *Registry) Upsert(ctx context.Context, storeID, integrationType, configKey string, expiresAt time.Time, refreshExpiresAt *time.Time) (*types.IntegrationToken, error) {
	now := time.Now().UTC()
	token := &types.IntegrationToken{
		ID:                    uuid.New().String(),
		StoreID:               storeID,
		IntegrationType:       integrationType,
		ConfigKey:             configKey,
		TokenExpiresAt:        expiresAt.UTC(),
		RefreshTokenExpiresAt: refreshExpiresAt,
		Status:                types.TokenStatusActive,
		MaxFailures:           DefaultMaxFailures,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	err := r.db.GetContext(ctx, &token.ID, `
		INSERT INTO integration_tokens
			(id, store_id, integration_type, config_key, token_expires_at,
			 refresh_token_expires_at, status, consecutive_failures, max_failures,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
		ON CONFLICT (store_id, integration_type, config_key) DO UPDATE SET
			token_expires_at = EXCLUDED.token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			status = EXCLUDED.status,
			consecutive_failures = 0,
			last_refresh_error = '',
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		token.ID, storeID, integrationType, configKey, token.TokenExpiresAt,
		refreshExpiresAt, token.Status, token.MaxFailures, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert token: %w", err)
	}
	return token, nil
}

// Get retrieves one token record
func (r *Registry) Get(ctx context.Context, storeID, integrationType, configKey string) (*types.IntegrationToken, error) {
	var token types.IntegrationToken
	err := r.db.GetContext(ctx, &token, `
		SELECT * FROM integration_tokens
		WHERE store_id = $1 AND integration_type = $2 AND config_key = $3`,
		storeID, integrationType, configKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("token %s/%s for store %s", integrationType, configKey, storeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

// ListByStore returns all token records for a store
func (r *Registry) ListByStore(ctx context.Context, storeID string) ([]*types.IntegrationToken, error) {
	var out []*types.IntegrationToken
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM integration_tokens WHERE store_id = $1
		ORDER BY integration_type ASC, config_key ASC`,
		storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return out, nil
}

// FindExpiring returns tokens due for refresh: active or expiring, expiry
// within the buffer, and failure budget not exhausted. Ordered soonest
// expiry first so the scheduler works the most urgent tokens first.
func (r *Registry) FindExpiring(ctx context.Context, buffer time.Duration) ([]*types.IntegrationToken, error) {
	var out []*types.IntegrationToken
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM integration_tokens
		WHERE status IN ('active', 'expiring')
		  AND token_expires_at <= $1
		  AND consecutive_failures < max_failures
		ORDER BY token_expires_at ASC`,
		time.Now().UTC().Add(buffer))
	if err != nil {
		return nil, fmt.Errorf("failed to find expiring tokens: %w", err)
	}
	return out, nil
}

// RecordRefresh records a successful refresh: new expiry, failures reset,
// status back to active
func (r *Registry) RecordRefresh(ctx context.Context, id string, newExpiresAt time.Time, refreshExpiresAt *time.Time) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE integration_tokens SET
			token_expires_at = $2,
			refresh_token_expires_at = COALESCE($3, refresh_token_expires_at),
			status = 'active',
			consecutive_failures = 0,
			last_refresh_error = '',
			last_refresh_at = $4,
			updated_at = $4
		WHERE id = $1`,
		id, newExpiresAt.UTC(), refreshExpiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to record refresh: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("token %s", id)
	}
	return nil
}

// RecordRefreshFailure increments the failure count and stores the error.
// When the count reaches the token's budget the status flips to
// refresh_failed and the scheduler stops retrying it.
func (r *Registry) RecordRefreshFailure(ctx context.Context, id string, refreshErr error) error {
	msg := ""
	if refreshErr != nil {
		msg = refreshErr.Error()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE integration_tokens SET
			consecutive_failures = consecutive_failures + 1,
			last_refresh_error = $2,
			status = CASE
				WHEN consecutive_failures + 1 >= max_failures THEN 'refresh_failed'
				ELSE status
			END,
			updated_at = $3
		WHERE id = $1`,
		id, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record refresh failure: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("token %s", id)
	}

	r.logger.Warn().Str("token_id", id).Str("error", msg).Msg("token refresh failed")
	return nil
}

// MarkRevoked marks a token revoked by the provider. Revoked tokens are
// never selected for refresh again until re-registered.
func (r *Registry) MarkRevoked(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE integration_tokens SET status = 'revoked', updated_at = $2
		WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("token %s", id)
	}

	r.logger.Warn().Str("token_id", id).Msg("token revoked by provider")
	return nil
}

// SyncStatuses recomputes the derived status column for non-terminal
// tokens so dashboards see expiring/expired without waiting for a refresh
// attempt. Revoked and refresh_failed rows are left alone.
func (r *Registry) SyncStatuses(ctx context.Context, buffer time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE integration_tokens SET
			status = CASE
				WHEN token_expires_at <= $1 THEN 'expired'
				WHEN token_expires_at <= $2 THEN 'expiring'
				ELSE 'active'
			END,
			updated_at = $1
		WHERE status IN ('active', 'expiring', 'expired')`,
		now, now.Add(buffer))
	if err != nil {
		return 0, fmt.Errorf("failed to sync token statuses: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
