package connmgr

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cartloom/cartloom/pkg/types"
)

// Row is a single-row query result
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. Callers must Close it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Client is a live tenant database connection. Implementations are safe
// for concurrent use; the manager hands the same instance to every
// caller of a store.
type Client interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Close()
}

// DialFunc constructs a client for a tenant database. Injectable so
// tests can substitute fakes.
type DialFunc func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error)

// PgxDial is the default dialer with pgxpool's own pool sizing
var PgxDial = PgxDialer(0)

// PgxDialer returns a dialer backed by pgxpool. maxConns bounds the
// pool size per tenant database; zero keeps the pgxpool default.
// Supabase databases are plain PostgreSQL on the wire.
func PgxDialer(maxConns int32) DialFunc {
	return func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		switch dbType {
		case types.DatabaseTypePostgreSQL, types.DatabaseTypeSupabase:
		default:
			return nil, fmt.Errorf("unsupported tenant database type %q", dbType)
		}

		cfg, err := poolConfig(dsn, maxConns)
		if err != nil {
			return nil, err
		}

		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create tenant pool: %w", err)
		}
		return &pgxClient{pool: pool}, nil
	}
}

func poolConfig(dsn string, maxConns int32) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tenant dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	return cfg, nil
}

type pgxClient struct {
	pool *pgxpool.Pool
}

func (c *pgxClient) Ping(ctx context.Context) error {
	var one int
	return c.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (c *pgxClient) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxClient) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (c *pgxClient) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

func (c *pgxClient) Close() {
	c.pool.Close()
}

type pgxRows struct {
	rows interface {
		Next() bool
		Scan(dest ...any) error
		Close()
		Err() error
	}
}

func (r pgxRows) Next() bool             { return r.rows.Next() }
func (r pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgxRows) Close()                 { r.rows.Close() }
func (r pgxRows) Err() error             { return r.rows.Err() }
