package connmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/registry"
	"github.com/cartloom/cartloom/pkg/types"
)

type fakeClient struct {
	pingErr error
	closed  atomic.Bool
}

func (c *fakeClient) Ping(ctx context.Context) error { return c.pingErr }
func (c *fakeClient) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return 0, nil
}
func (c *fakeClient) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return nil, nil
}
func (c *fakeClient) QueryRow(ctx context.Context, sql string, args ...any) Row { return nil }
func (c *fakeClient) Close()                                                    { c.closed.Store(true) }

type fakeSource struct {
	mu       sync.Mutex
	unwraps  int
	statuses []types.ConnectionStatus
	err      error
}

func (s *fakeSource) GetPrimaryDatabase(ctx context.Context, storeID string) (*registry.PrimaryDatabase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.unwraps++
	return &registry.PrimaryDatabase{
		DatabaseType:     types.DatabaseTypePostgreSQL,
		ConnectionString: "postgres://tenant:secret@db:5432/t1",
	}, nil
}

func (s *fakeSource) SetConnectionStatus(ctx context.Context, storeID string, status types.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeSource) unwrapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unwraps
}

func TestGetCoalescesConcurrentBuilds(t *testing.T) {
	source := &fakeSource{}
	var dials atomic.Int32
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the build open so callers pile up
		return &fakeClient{}, nil
	}

	m := New(source, Options{Dial: dial})

	const callers = 50
	clients := make([]Client, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = m.Get(context.Background(), "S1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, clients[0], clients[i])
	}
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, source.unwrapCount())
}

func TestGetReturnsCachedClient(t *testing.T) {
	source := &fakeSource{}
	var dials atomic.Int32
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		dials.Add(1)
		return &fakeClient{}, nil
	}

	m := New(source, Options{Dial: dial})
	hits := testutil.ToFloat64(metrics.TenantCacheHits)

	first, err := m.Get(context.Background(), "S1")
	require.NoError(t, err)
	second, err := m.Get(context.Background(), "S1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.TenantCacheHits))
}

func TestGetFailureNotCached(t *testing.T) {
	source := &fakeSource{}
	var dials atomic.Int32
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &fakeClient{}, nil
	}

	m := New(source, Options{Dial: dial})

	_, err := m.Get(context.Background(), "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrUnreachable))
	assert.Zero(t, m.Size())

	client, err := m.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, int32(2), dials.Load())
}

func TestGetProbeFailureClosesClient(t *testing.T) {
	source := &fakeSource{}
	bad := &fakeClient{pingErr: errors.New("probe refused")}
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		return bad, nil
	}

	m := New(source, Options{Dial: dial})

	_, err := m.Get(context.Background(), "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrUnreachable))
	assert.True(t, bad.closed.Load())
	assert.Contains(t, source.statuses, types.ConnectionStatusFailed)
}

func TestGetNoDatabaseConfigured(t *testing.T) {
	source := &fakeSource{err: errdefs.ErrNoDatabaseConfigured}
	m := New(source, Options{Dial: func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		t.Fatal("dial should not be called")
		return nil, nil
	}})

	_, err := m.Get(context.Background(), "S1")
	assert.True(t, errors.Is(err, errdefs.ErrNoDatabaseConfigured))
}

func TestGetCallerCancelDoesNotAbortBuild(t *testing.T) {
	source := &fakeSource{}
	built := make(chan struct{})
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		time.Sleep(100 * time.Millisecond)
		close(built)
		return &fakeClient{}, nil
	}

	m := New(source, Options{Dial: dial})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.Get(ctx, "S1")
	assert.ErrorIs(t, err, context.Canceled)

	// The shared build finishes despite the caller walking away
	select {
	case <-built:
	case <-time.After(time.Second):
		t.Fatal("build did not complete after caller cancellation")
	}

	// And its result is there for the next caller
	assert.Eventually(t, func() bool {
		client, err := m.Get(context.Background(), "S1")
		return err == nil && client != nil
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	source := &fakeSource{}
	var clients []*fakeClient
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		c := &fakeClient{}
		clients = append(clients, c)
		return c, nil
	}

	m := New(source, Options{Dial: dial})

	_, err := m.Get(context.Background(), "S1")
	require.NoError(t, err)

	m.Invalidate("S1")
	assert.Zero(t, m.Size())
	assert.True(t, clients[0].closed.Load())

	_, err = m.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Len(t, clients, 2)
}

func TestCheckHealthEvictsUnhealthy(t *testing.T) {
	source := &fakeSource{}
	client := &fakeClient{}
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		return client, nil
	}

	m := New(source, Options{Dial: dial})
	_, err := m.Get(context.Background(), "S1")
	require.NoError(t, err)

	require.NoError(t, m.CheckHealth(context.Background(), "S1"))

	client.pingErr = errors.New("gone away")
	err = m.CheckHealth(context.Background(), "S1")
	assert.True(t, errors.Is(err, errdefs.ErrUnreachable))
	assert.Zero(t, m.Size())
}

func TestCheckSchema(t *testing.T) {
	source := &fakeSource{}
	dial := func(ctx context.Context, dbType types.DatabaseType, dsn string) (Client, error) {
		return &fakeClient{}, nil
	}
	m := New(source, Options{
		Dial: dial,
		Prober: func(ctx context.Context, client Client) error {
			return errdefs.ErrEmptySchema
		},
	})

	err := m.CheckSchema(context.Background(), "S1")
	assert.True(t, errors.Is(err, errdefs.ErrEmptySchema))
}
