package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// HostnameOptions controls how a hostname binding is created
type HostnameOptions struct {
	IsPrimary      bool
	IsCustomDomain bool
	SSLEnabled     bool
}

// SlugFromHostname extracts the store slug from a hostname: the first
// DNS label, or the second when the first is "www".
func SlugFromHostname(hostname string) string {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	labels := strings.Split(hostname, ".")
	if len(labels) == 0 {
		return ""
	}
	if labels[0] == "www" && len(labels) > 1 {
		return labels[1]
	}
	return labels[0]
}

// AddHostname binds a hostname to a store. Hostnames are stored
// lowercase; a duplicate binding returns ErrConflict. When opts.IsPrimary
// is set, any existing primary for the store is demoted in the same
// transaction.
func (r *Registry) AddHostname(ctx context.Context, storeID, hostname string, opts HostnameOptions) (*types.StoreHostname, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return nil, fmt.Errorf("hostname cannot be empty")
	}

	record := &types.StoreHostname{
		ID:             uuid.New().String(),
		StoreID:        storeID,
		Hostname:       hostname,
		Slug:           SlugFromHostname(hostname),
		IsPrimary:      opts.IsPrimary,
		IsCustomDomain: opts.IsCustomDomain,
		SSLEnabled:     opts.SSLEnabled,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if opts.IsPrimary {
		_, err = tx.ExecContext(ctx,
			`UPDATE store_hostnames SET is_primary = false WHERE store_id = $1 AND is_primary`,
			storeID)
		if err != nil {
			return nil, fmt.Errorf("failed to demote primary hostname: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO store_hostnames
			(id, store_id, hostname, slug, is_primary, is_custom_domain, ssl_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hostname) DO NOTHING`,
		record.ID, record.StoreID, record.Hostname, record.Slug,
		record.IsPrimary, record.IsCustomDomain, record.SSLEnabled, record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add hostname: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, errdefs.Conflictf("hostname %q already bound", hostname)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return record, nil
}

// SetPrimaryHostname promotes an existing hostname binding to primary,
// demoting the previous primary in the same transaction
func (r *Registry) SetPrimaryHostname(ctx context.Context, storeID, hostname string) error {
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE store_hostnames SET is_primary = false WHERE store_id = $1 AND is_primary`,
		storeID)
	if err != nil {
		return fmt.Errorf("failed to demote primary hostname: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE store_hostnames SET is_primary = true WHERE store_id = $1 AND hostname = $2`,
		storeID, hostname)
	if err != nil {
		return fmt.Errorf("failed to promote hostname: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("hostname %q for store %s", hostname, storeID)
	}

	return tx.Commit()
}

// FindStoreByHostname resolves a hostname (case-insensitive) to the
// store bound to it
func (r *Registry) FindStoreByHostname(ctx context.Context, hostname string) (*types.Store, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	var store types.Store
	err := r.db.GetContext(ctx, &store, `
		SELECT s.* FROM stores s
		JOIN store_hostnames h ON h.store_id = s.id
		WHERE h.hostname = $1`,
		hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("no store bound to hostname %q", hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find store by hostname: %w", err)
	}
	return &store, nil
}

// ListHostnames returns all hostname bindings for a store
func (r *Registry) ListHostnames(ctx context.Context, storeID string) ([]*types.StoreHostname, error) {
	var hostnames []*types.StoreHostname
	err := r.db.SelectContext(ctx, &hostnames,
		`SELECT * FROM store_hostnames WHERE store_id = $1 ORDER BY is_primary DESC, hostname ASC`,
		storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hostnames: %w", err)
	}
	return hostnames, nil
}

// RemoveHostname deletes a hostname binding
func (r *Registry) RemoveHostname(ctx context.Context, storeID, hostname string) error {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM store_hostnames WHERE store_id = $1 AND hostname = $2`,
		storeID, hostname)
	if err != nil {
		return fmt.Errorf("failed to remove hostname: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("hostname %q for store %s", hostname, storeID)
	}
	return nil
}
