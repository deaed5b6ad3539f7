package provision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/connmgr"
	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

type fakeRow struct {
	count int
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*int); ok {
		*p = r.count
	}
	return nil
}

type fakeTenant struct {
	tables   int
	scanErr  error
	execs    []string
	execErr  error
	failLike string
}

func (c *fakeTenant) Ping(ctx context.Context) error { return nil }

func (c *fakeTenant) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c.execs = append(c.execs, sql)
	if c.execErr != nil && (c.failLike == "" || strings.Contains(sql, c.failLike)) {
		return 0, c.execErr
	}
	return 1, nil
}

func (c *fakeTenant) Query(ctx context.Context, sql string, args ...any) (connmgr.Rows, error) {
	return nil, nil
}

func (c *fakeTenant) QueryRow(ctx context.Context, sql string, args ...any) connmgr.Row {
	return fakeRow{count: c.tables, err: c.scanErr}
}

func (c *fakeTenant) Close() {}

type fakeStoreRegistry struct {
	store       *types.Store
	transitions []types.StoreStatus
	statusErr   error
}

func (r *fakeStoreRegistry) GetStore(ctx context.Context, id string) (*types.Store, error) {
	if r.store == nil {
		return nil, errdefs.NotFoundf("store %s", id)
	}
	return r.store, nil
}

func (r *fakeStoreRegistry) UpdateStoreStatus(ctx context.Context, id string, status types.StoreStatus) error {
	if r.statusErr != nil {
		return r.statusErr
	}
	r.transitions = append(r.transitions, status)
	return nil
}

type fakeClients struct {
	client      connmgr.Client
	getErr      error
	invalidated int
}

func (c *fakeClients) Get(ctx context.Context, storeID string) (connmgr.Client, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.client, nil
}

func (c *fakeClients) Invalidate(storeID string) { c.invalidated++ }

func testStore() *types.Store {
	return &types.Store{
		ID:     "S1",
		Slug:   "acme",
		Name:   "Acme Shop",
		UserID: "owner-1",
		Status: types.StoreStatusProvisioning,
	}
}

func TestProbe(t *testing.T) {
	t.Run("all canonical tables present", func(t *testing.T) {
		err := Probe(context.Background(), &fakeTenant{tables: 4})
		assert.NoError(t, err)
	})

	t.Run("missing tables report empty schema", func(t *testing.T) {
		err := Probe(context.Background(), &fakeTenant{tables: 1})
		assert.True(t, errors.Is(err, errdefs.ErrEmptySchema))
	})

	t.Run("query failure reports unreachable", func(t *testing.T) {
		err := Probe(context.Background(), &fakeTenant{scanErr: errors.New("connection reset")})
		assert.True(t, errors.Is(err, errdefs.ErrUnreachable))
	})
}

func TestReprovision(t *testing.T) {
	t.Run("full repair sequence activates the store", func(t *testing.T) {
		reg := &fakeStoreRegistry{store: testStore()}
		tenant := &fakeTenant{}
		clients := &fakeClients{client: tenant}
		p := New(reg, clients, nil)

		err := p.Reprovision(context.Background(), "S1", Identity{OwnerEmail: "owner@acme.example"})
		require.NoError(t, err)

		assert.Equal(t, []types.StoreStatus{
			types.StoreStatusPendingDatabase,
			types.StoreStatusActive,
		}, reg.transitions)
		assert.Equal(t, 1, clients.invalidated)

		// Migrations ran before seeds
		require.NotEmpty(t, tenant.execs)
		assert.Contains(t, tenant.execs[0], "CREATE TABLE IF NOT EXISTS stores")

		var seededOwner bool
		for _, q := range tenant.execs {
			if strings.Contains(q, "INSERT INTO users") {
				seededOwner = true
			}
		}
		assert.True(t, seededOwner)
	})

	t.Run("unknown store fails at lookup", func(t *testing.T) {
		p := New(&fakeStoreRegistry{}, &fakeClients{}, nil)

		err := p.Reprovision(context.Background(), "missing", Identity{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrRepairFailed))

		var repairErr *errdefs.RepairError
		require.True(t, errors.As(err, &repairErr))
		assert.Equal(t, "lookup", repairErr.Step)
	})

	t.Run("connect failure leaves store pending", func(t *testing.T) {
		reg := &fakeStoreRegistry{store: testStore()}
		clients := &fakeClients{getErr: errdefs.ErrUnreachable}
		p := New(reg, clients, nil)

		err := p.Reprovision(context.Background(), "S1", Identity{})
		require.Error(t, err)

		var repairErr *errdefs.RepairError
		require.True(t, errors.As(err, &repairErr))
		assert.Equal(t, "connect", repairErr.Step)
		assert.Equal(t, []types.StoreStatus{types.StoreStatusPendingDatabase}, reg.transitions)
	})

	t.Run("migration failure reports the step", func(t *testing.T) {
		reg := &fakeStoreRegistry{store: testStore()}
		tenant := &fakeTenant{execErr: errors.New("syntax error"), failLike: "CREATE TABLE"}
		p := New(reg, &fakeClients{client: tenant}, nil)

		err := p.Reprovision(context.Background(), "S1", Identity{})
		require.Error(t, err)

		var repairErr *errdefs.RepairError
		require.True(t, errors.As(err, &repairErr))
		assert.Equal(t, "migrate", repairErr.Step)
	})

	t.Run("seed failure reports the step", func(t *testing.T) {
		reg := &fakeStoreRegistry{store: testStore()}
		tenant := &fakeTenant{execErr: errors.New("constraint violation"), failLike: "INSERT INTO translations"}
		p := New(reg, &fakeClients{client: tenant}, nil)

		err := p.Reprovision(context.Background(), "S1", Identity{})
		require.Error(t, err)

		var repairErr *errdefs.RepairError
		require.True(t, errors.As(err, &repairErr))
		assert.Equal(t, "seed", repairErr.Step)
	})
}

func TestMigrationNamesOrdered(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}
