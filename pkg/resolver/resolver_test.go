package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

type fakeLookup struct {
	byID       map[string]*types.Store
	bySlug     map[string]*types.Store
	byHostname map[string]*types.Store

	hostnameLookups int
}

func (f *fakeLookup) GetStore(ctx context.Context, id string) (*types.Store, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return nil, errdefs.NotFoundf("store %s", id)
}

func (f *fakeLookup) GetStoreBySlug(ctx context.Context, slug string) (*types.Store, error) {
	if s, ok := f.bySlug[slug]; ok {
		return s, nil
	}
	return nil, errdefs.NotFoundf("store with slug %q", slug)
}

func (f *fakeLookup) FindStoreByHostname(ctx context.Context, hostname string) (*types.Store, error) {
	f.hostnameLookups++
	if s, ok := f.byHostname[hostname]; ok {
		return s, nil
	}
	return nil, errdefs.NotFoundf("no store bound to hostname %q", hostname)
}

func newFakeLookup() *fakeLookup {
	s1 := &types.Store{ID: "S1", Slug: "shop", Status: types.StoreStatusActive, IsActive: true}
	s2 := &types.Store{ID: "S2", Slug: "other", Status: types.StoreStatusSuspended}
	defaultStore := &types.Store{ID: "S0", Slug: "platform", Status: types.StoreStatusActive, IsActive: true}
	return &fakeLookup{
		byID:       map[string]*types.Store{"S1": s1, "S2": s2, "S0": defaultStore},
		bySlug:     map[string]*types.Store{"shop": s1, "other": s2, "platform": defaultStore},
		byHostname: map[string]*types.Store{"www.shop.example": s1},
	}
}

func TestResolveHostname(t *testing.T) {
	lookup := newFakeLookup()
	r := New(lookup, Options{})

	store, err := r.Resolve(context.Background(), Request{Hostname: "www.shop.example"})
	require.NoError(t, err)
	assert.Equal(t, "S1", store.ID)

	// Hostname matching is case-insensitive
	store, err = r.Resolve(context.Background(), Request{Hostname: "WWW.SHOP.EXAMPLE"})
	require.NoError(t, err)
	assert.Equal(t, "S1", store.ID)
}

func TestResolveOrdering(t *testing.T) {
	lookup := newFakeLookup()
	r := New(lookup, Options{DefaultSlug: "platform"})
	ctx := context.Background()

	t.Run("header wins over hostname", func(t *testing.T) {
		store, err := r.Resolve(ctx, Request{HeaderStoreID: "S2", Hostname: "www.shop.example"})
		require.NoError(t, err)
		assert.Equal(t, "S2", store.ID)
	})

	t.Run("param wins over hostname", func(t *testing.T) {
		store, err := r.Resolve(ctx, Request{ParamStoreID: "S2", Hostname: "www.shop.example"})
		require.NoError(t, err)
		assert.Equal(t, "S2", store.ID)
	})

	t.Run("unknown header falls through to hostname", func(t *testing.T) {
		store, err := r.Resolve(ctx, Request{HeaderStoreID: "missing", Hostname: "www.shop.example"})
		require.NoError(t, err)
		assert.Equal(t, "S1", store.ID)
	})

	t.Run("path slug", func(t *testing.T) {
		store, err := r.Resolve(ctx, Request{PathSlug: "other"})
		require.NoError(t, err)
		assert.Equal(t, "S2", store.ID)
	})

	t.Run("default slug as last resort", func(t *testing.T) {
		store, err := r.Resolve(ctx, Request{Hostname: "unknown.example"})
		require.NoError(t, err)
		assert.Equal(t, "S0", store.ID)
	})

	t.Run("suspended store still resolves", func(t *testing.T) {
		store, err := r.Resolve(ctx, Request{HeaderStoreID: "S2"})
		require.NoError(t, err)
		assert.Equal(t, types.StoreStatusSuspended, store.Status)
	})
}

func TestResolveNotFound(t *testing.T) {
	r := New(newFakeLookup(), Options{})

	_, err := r.Resolve(context.Background(), Request{Hostname: "unknown.example"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestResolveHostnameCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	lookup := newFakeLookup()
	r := New(lookup, Options{Cache: cache, CacheTTL: time.Minute})
	ctx := context.Background()

	// First resolution misses the cache and hits the registry
	store, err := r.Resolve(ctx, Request{Hostname: "www.shop.example"})
	require.NoError(t, err)
	assert.Equal(t, "S1", store.ID)
	assert.Equal(t, 1, lookup.hostnameLookups)

	// Second resolution is served from the cache
	store, err = r.Resolve(ctx, Request{Hostname: "www.shop.example"})
	require.NoError(t, err)
	assert.Equal(t, "S1", store.ID)
	assert.Equal(t, 1, lookup.hostnameLookups)

	// Invalidation forces the next resolution back to the registry
	require.NoError(t, r.InvalidateHostname(ctx, "www.shop.example"))
	_, err = r.Resolve(ctx, Request{Hostname: "www.shop.example"})
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.hostnameLookups)
}

func TestResolveHostnameCacheStaleMapping(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	lookup := newFakeLookup()
	r := New(lookup, Options{Cache: cache, CacheTTL: time.Minute})
	ctx := context.Background()

	// Poison the cache with a store id that no longer exists
	require.NoError(t, cache.Set(ctx, cacheKey("www.shop.example"), "deleted-store", time.Minute).Err())

	store, err := r.Resolve(ctx, Request{Hostname: "www.shop.example"})
	require.NoError(t, err)
	assert.Equal(t, "S1", store.ID)
	assert.Equal(t, 1, lookup.hostnameLookups)
}

func TestResolveHTTP(t *testing.T) {
	r := New(newFakeLookup(), Options{})

	req := httptest.NewRequest("GET", "http://www.shop.example:8443/products", nil)
	store, err := r.ResolveHTTP(req, "")
	require.NoError(t, err)
	assert.Equal(t, "S1", store.ID)

	req = httptest.NewRequest("GET", "http://unknown.example/", nil)
	req.Header.Set(HeaderStoreID, "S2")
	store, err = r.ResolveHTTP(req, "")
	require.NoError(t, err)
	assert.Equal(t, "S2", store.ID)

	req = httptest.NewRequest("GET", "http://unknown.example/", nil)
	req.AddCookie(&http.Cookie{Name: ParamStoreID, Value: "S2"})
	store, err = r.ResolveHTTP(req, "")
	require.NoError(t, err)
	assert.Equal(t, "S2", store.ID)
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "shop.example", hostOnly("shop.example:8443"))
	assert.Equal(t, "shop.example", hostOnly("shop.example"))
	assert.Equal(t, "[::1]", hostOnly("[::1]"))
}
