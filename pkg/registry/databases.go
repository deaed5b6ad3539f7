package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
	"github.com/cartloom/cartloom/pkg/vault"
)

// PrimaryDatabase is the decrypted connection material for a tenant
// database. Callers must treat ConnectionString as secret and never log it.
type PrimaryDatabase struct {
	DatabaseType     types.DatabaseType
	ConnectionString string
	Status           types.ConnectionStatus
}

// AttachDatabase upserts the database record for a store with encrypted
// credentials and moves the store to provisioning. Non-sensitive host,
// port, and database name are extracted from the connection string when
// it parses as a URL.
func (r *Registry) AttachDatabase(ctx context.Context, storeID string, dbType types.DatabaseType, connectionString string) error {
	blob, err := r.vault.Wrap([]byte(connectionString))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	host, port, dbName := parseConnectionDetails(connectionString)
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO store_databases
			(id, store_id, database_type, connection_string_encrypted, host, port, database_name,
			 connection_status, is_primary, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, true, $9, $9)
		ON CONFLICT (store_id) DO UPDATE SET
			database_type = EXCLUDED.database_type,
			connection_string_encrypted = EXCLUDED.connection_string_encrypted,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			database_name = EXCLUDED.database_name,
			connection_status = EXCLUDED.connection_status,
			is_primary = true,
			is_active = true,
			updated_at = EXCLUDED.updated_at`,
		uuid.New().String(), storeID, dbType, blob, host, port, dbName,
		types.ConnectionStatusPending, now)
	if err != nil {
		return fmt.Errorf("failed to upsert store database: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE stores SET status = $2, is_active = false, updated_at = $3 WHERE id = $1`,
		storeID, types.StoreStatusProvisioning, now)
	if err != nil {
		return fmt.Errorf("failed to mark store provisioning: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errdefs.NotFoundf("store %s", storeID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	r.logger.Info().Str("store_id", storeID).Str("database_type", string(dbType)).Msg("database attached")
	return nil
}

// GetPrimaryDatabase returns the decrypted connection material for a
// store's primary database. Returns ErrNoDatabaseConfigured when no
// active primary record exists.
func (r *Registry) GetPrimaryDatabase(ctx context.Context, storeID string) (*PrimaryDatabase, error) {
	var row types.StoreDatabase
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM store_databases
		WHERE store_id = $1 AND is_primary AND is_active`,
		storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store %s: %w", storeID, errdefs.ErrNoDatabaseConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary database: %w", err)
	}

	plain, err := r.vault.Unwrap(row.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("store %s credentials: %w", storeID, err)
	}

	return &PrimaryDatabase{
		DatabaseType:     row.DatabaseType,
		ConnectionString: string(plain),
		Status:           row.ConnectionStatus,
	}, nil
}

// SetConnectionStatus records the outcome of a connection test
func (r *Registry) SetConnectionStatus(ctx context.Context, storeID string, status types.ConnectionStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE store_databases SET connection_status = $2, last_connection_test = $3, updated_at = $3
		WHERE store_id = $1 AND is_primary`,
		storeID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set connection status: %w", err)
	}
	return nil
}

// RewrapCredentials re-encrypts every stored connection string from the
// old vault to the registry's current vault. Used by the key rotation
// job; existing blobs stay readable until the rewrap commits.
func (r *Registry) RewrapCredentials(ctx context.Context, old *vault.Vault) (int, error) {
	type credRow struct {
		ID   string `db:"id"`
		Blob string `db:"connection_string_encrypted"`
	}

	var rows []credRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, connection_string_encrypted FROM store_databases`)
	if err != nil {
		return 0, fmt.Errorf("failed to list credentials: %w", err)
	}

	rewrapped := 0
	for _, row := range rows {
		blob, err := old.Rewrap(row.Blob, r.vault)
		if err != nil {
			return rewrapped, fmt.Errorf("failed to rewrap credentials for %s: %w", row.ID, err)
		}
		_, err = r.db.ExecContext(ctx, `
			UPDATE store_databases SET connection_string_encrypted = $2, updated_at = $3
			WHERE id = $1`,
			row.ID, blob, time.Now().UTC())
		if err != nil {
			return rewrapped, fmt.Errorf("failed to store rewrapped credentials for %s: %w", row.ID, err)
		}
		rewrapped++
	}
	return rewrapped, nil
}

func parseConnectionDetails(connectionString string) (host string, port int, dbName string) {
	u, err := url.Parse(connectionString)
	if err != nil || u.Host == "" {
		return "", 0, ""
	}
	host = u.Hostname()
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}
	if len(u.Path) > 1 {
		dbName = u.Path[1:]
	}
	return host, port, dbName
}
