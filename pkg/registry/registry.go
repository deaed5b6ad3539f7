package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/types"
	"github.com/cartloom/cartloom/pkg/vault"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Registry is the authoritative catalog of tenants. All credential
// fields round-trip through the vault; callers never see raw blobs.
type Registry struct {
	db     *sqlx.DB
	vault  *vault.Vault
	logger zerolog.Logger
}

// New creates a registry over the master database
func New(db *sqlx.DB, v *vault.Vault) *Registry {
	return &Registry{
		db:     db,
		vault:  v,
		logger: log.WithComponent("registry"),
	}
}

// CreateStore allocates a new store in pending_database state.
// Returns ErrConflict if the slug is already taken.
func (r *Registry) CreateStore(ctx context.Context, ownerID, slug, name string) (*types.Store, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("invalid slug %q: must match [a-z0-9-]+", slug)
	}

	now := time.Now().UTC()
	store := &types.Store{
		ID:        uuid.New().String(),
		Slug:      slug,
		Name:      name,
		UserID:    ownerID,
		Status:    types.StoreStatusPendingDatabase,
		IsActive:  false,
		Published: false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO stores (id, slug, name, user_id, status, is_active, published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (slug) DO NOTHING`,
		store.ID, store.Slug, store.Name, store.UserID, store.Status,
		store.IsActive, store.Published, store.CreatedAt, store.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if affected == 0 {
		return nil, errdefs.Conflictf("slug %q already taken", slug)
	}

	r.logger.Info().Str("store_id", store.ID).Str("slug", slug).Msg("store created")
	return store, nil
}

// GetStore retrieves a store by id
func (r *Registry) GetStore(ctx context.Context, id string) (*types.Store, error) {
	var store types.Store
	err := r.db.GetContext(ctx, &store, `SELECT * FROM stores WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("store %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	return &store, nil
}

// GetStoreBySlug retrieves a store by slug
func (r *Registry) GetStoreBySlug(ctx context.Context, slug string) (*types.Store, error) {
	var store types.Store
	err := r.db.GetContext(ctx, &store, `SELECT * FROM stores WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("store with slug %q", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store by slug: %w", err)
	}
	return &store, nil
}

// ListStores returns all stores ordered by creation time
func (r *Registry) ListStores(ctx context.Context) ([]*types.Store, error) {
	var stores []*types.Store
	err := r.db.SelectContext(ctx, &stores, `SELECT * FROM stores ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	return stores, nil
}

// ListActiveStores returns stores currently serving traffic
func (r *Registry) ListActiveStores(ctx context.Context) ([]*types.Store, error) {
	var stores []*types.Store
	err := r.db.SelectContext(ctx, &stores,
		`SELECT * FROM stores WHERE status = $1 AND is_active ORDER BY created_at ASC`,
		types.StoreStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active stores: %w", err)
	}
	return stores, nil
}

// UpdateStoreStatus transitions a store's lifecycle status.
// is_active is kept consistent with the invariant is_active => active.
func (r *Registry) UpdateStoreStatus(ctx context.Context, id string, status types.StoreStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE stores SET status = $2, is_active = ($2 = 'active'), updated_at = $3
		WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update store status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update store status: %w", err)
	}
	if affected == 0 {
		return errdefs.NotFoundf("store %s", id)
	}

	r.logger.Info().Str("store_id", id).Str("status", string(status)).Msg("store status updated")
	return nil
}

// SetPublished toggles whether a store may serve storefront traffic
func (r *Registry) SetPublished(ctx context.Context, id string, published bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE stores SET published = $2, updated_at = $3 WHERE id = $1`,
		id, published, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set published: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set published: %w", err)
	}
	if affected == 0 {
		return errdefs.NotFoundf("store %s", id)
	}
	return nil
}

// DeleteStore removes a store and its dependent master rows
func (r *Registry) DeleteStore(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM store_hostnames WHERE store_id = $1`,
		`DELETE FROM store_databases WHERE store_id = $1`,
		`DELETE FROM integration_tokens WHERE store_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete store dependents: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete store: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("store %s", id)
	}

	return tx.Commit()
}
