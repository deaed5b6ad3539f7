package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/registry"
	"github.com/cartloom/cartloom/pkg/types"
)

// DatabaseSource is the slice of the master registry the manager needs
type DatabaseSource interface {
	GetPrimaryDatabase(ctx context.Context, storeID string) (*registry.PrimaryDatabase, error)
	SetConnectionStatus(ctx context.Context, storeID string, status types.ConnectionStatus) error
}

// SchemaProber verifies a tenant database holds the canonical schema
type SchemaProber func(ctx context.Context, client Client) error

type entry struct {
	client    Client
	createdAt time.Time
}

// Manager builds and caches tenant database clients. At most one build
// runs per store at a time; concurrent requests for a cold entry
// coalesce onto the in-flight build.
type Manager struct {
	source       DatabaseSource
	dial         DialFunc
	prober       SchemaProber
	ttl          time.Duration
	probeTimeout time.Duration

	group  singleflight.Group
	mu     sync.RWMutex
	cache  map[string]*entry
	logger zerolog.Logger
}

// Options configures a manager
type Options struct {
	// Dial constructs tenant clients; defaults to a pgxpool dialer
	// bounded by MaxConns
	Dial DialFunc

	// MaxConns bounds each tenant pool when the default dialer is
	// used; zero keeps the pgxpool default
	MaxConns int

	// Prober verifies tenant schema on demand; optional
	Prober SchemaProber

	// TTL bounds how long a cached client is reused before rebuild
	TTL time.Duration

	// ProbeTimeout bounds the post-dial health probe
	ProbeTimeout time.Duration
}

// New creates a connection manager over the given registry slice
func New(source DatabaseSource, opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = PgxDialer(int32(opts.MaxConns))
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Manager{
		source:       source,
		dial:         opts.Dial,
		prober:       opts.Prober,
		ttl:          opts.TTL,
		probeTimeout: opts.ProbeTimeout,
		cache:        make(map[string]*entry),
		logger:       log.WithComponent("connmgr"),
	}
}

// Get returns a live client for the store, building one if the cache is
// cold. Concurrent callers share a single build; a caller's cancellation
// aborts only that caller's wait, never the build itself.
func (m *Manager) Get(ctx context.Context, storeID string) (Client, error) {
	if client := m.cached(storeID); client != nil {
		metrics.TenantCacheHits.Inc()
		return client, nil
	}
	metrics.TenantCacheMisses.Inc()

	ch := m.group.DoChan(storeID, func() (any, error) {
		// The build outlives any single caller; it runs under its own
		// deadline so one impatient request cannot poison the result
		// for everyone coalesced behind it.
		buildCtx, cancel := context.WithTimeout(context.Background(), m.probeTimeout+10*time.Second)
		defer cancel()
		return m.build(buildCtx, storeID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) cached(storeID string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[storeID]
	if !ok || time.Since(e.createdAt) > m.ttl {
		return nil
	}
	return e.client
}

func (m *Manager) build(ctx context.Context, storeID string) (Client, error) {
	primary, err := m.source.GetPrimaryDatabase(ctx, storeID)
	if err != nil {
		metrics.TenantBuilds.WithLabelValues("error").Inc()
		return nil, err
	}

	client, err := m.dial(ctx, primary.DatabaseType, primary.ConnectionString)
	if err != nil {
		metrics.TenantBuilds.WithLabelValues("error").Inc()
		m.recordStatus(storeID, types.ConnectionStatusFailed)
		return nil, fmt.Errorf("store %s: %w: %v", storeID, errdefs.ErrUnreachable, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := client.Ping(probeCtx); err != nil {
		client.Close()
		status := types.ConnectionStatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = types.ConnectionStatusTimeout
		}
		metrics.TenantBuilds.WithLabelValues("error").Inc()
		m.recordStatus(storeID, status)
		return nil, fmt.Errorf("store %s probe: %w: %v", storeID, errdefs.ErrUnreachable, err)
	}

	m.mu.Lock()
	if old, ok := m.cache[storeID]; ok {
		old.client.Close()
	}
	m.cache[storeID] = &entry{client: client, createdAt: time.Now()}
	m.mu.Unlock()

	metrics.TenantBuilds.WithLabelValues("ok").Inc()
	m.recordStatus(storeID, types.ConnectionStatusConnected)
	m.logger.Debug().Str("store_id", storeID).Msg("tenant client built")
	return client, nil
}

func (m *Manager) recordStatus(storeID string, status types.ConnectionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.source.SetConnectionStatus(ctx, storeID, status); err != nil {
		m.logger.Warn().Err(err).Str("store_id", storeID).Msg("failed to record connection status")
	}
}

// CheckSchema builds or reuses the store's client and runs the schema
// probe against it. Returns ErrEmptySchema when the canonical tables are
// missing, ErrUnreachable when the database does not answer.
func (m *Manager) CheckSchema(ctx context.Context, storeID string) error {
	if m.prober == nil {
		return nil
	}
	client, err := m.Get(ctx, storeID)
	if err != nil {
		return err
	}
	return m.prober(ctx, client)
}

// CheckHealth pings the cached client for a store. An unhealthy entry is
// evicted so the next Get rebuilds.
func (m *Manager) CheckHealth(ctx context.Context, storeID string) error {
	client := m.cached(storeID)
	if client == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := client.Ping(probeCtx); err != nil {
		m.Invalidate(storeID)
		return fmt.Errorf("store %s: %w: %v", storeID, errdefs.ErrUnreachable, err)
	}
	return nil
}

// Invalidate evicts and closes the cached client for a store. Called on
// registry updates and health failures.
func (m *Manager) Invalidate(storeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[storeID]; ok {
		e.client.Close()
		delete(m.cache, storeID)
	}
}

// InvalidateAll evicts every cached client
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.cache {
		e.client.Close()
		delete(m.cache, id)
	}
}

// Size returns the number of cached clients
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
