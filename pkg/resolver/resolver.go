package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/types"
)

// HeaderStoreID is the explicit routing header, highest-priority source
const HeaderStoreID = "store-id"

// ParamStoreID is the query parameter and cookie name carrying a store id
const ParamStoreID = "store_id"

// StoreLookup is the slice of the master registry the resolver needs
type StoreLookup interface {
	GetStore(ctx context.Context, id string) (*types.Store, error)
	GetStoreBySlug(ctx context.Context, slug string) (*types.Store, error)
	FindStoreByHostname(ctx context.Context, hostname string) (*types.Store, error)
}

// Request carries the identity sources extracted from an inbound request,
// in resolution priority order
type Request struct {
	HeaderStoreID string
	ParamStoreID  string
	Hostname      string
	PathSlug      string
}

// Resolver maps inbound requests to stores. Resolution touches only the
// master registry (and its hostname cache), never a tenant database.
type Resolver struct {
	lookup      StoreLookup
	cache       redis.UniversalClient
	cacheTTL    time.Duration
	defaultSlug string
	logger      zerolog.Logger
}

// Options configures a resolver
type Options struct {
	// Cache, when set, caches hostname → store id mappings in Redis
	Cache redis.UniversalClient

	// CacheTTL bounds staleness of cached hostname mappings
	CacheTTL time.Duration

	// DefaultSlug, when set, is the last-resort store for requests no
	// other source matched
	DefaultSlug string
}

// New creates a resolver over the given registry
func New(lookup StoreLookup, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Resolver{
		lookup:      lookup,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		defaultSlug: opts.DefaultSlug,
		logger:      log.WithComponent("resolver"),
	}
}

// Resolve walks the identity sources in priority order and returns the
// first store any of them yields. A suspended or inactive store still
// resolves; whether to serve it is an authorization decision downstream.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*types.Store, error) {
	if id := strings.TrimSpace(req.HeaderStoreID); id != "" {
		store, err := r.lookup.GetStore(ctx, id)
		if err == nil {
			return store, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	if id := strings.TrimSpace(req.ParamStoreID); id != "" {
		store, err := r.lookup.GetStore(ctx, id)
		if err == nil {
			return store, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	if hostname := strings.ToLower(strings.TrimSpace(req.Hostname)); hostname != "" {
		store, err := r.resolveHostname(ctx, hostname)
		if err == nil {
			return store, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	if slug := strings.ToLower(strings.TrimSpace(req.PathSlug)); slug != "" {
		store, err := r.lookup.GetStoreBySlug(ctx, slug)
		if err == nil {
			return store, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	if r.defaultSlug != "" {
		store, err := r.lookup.GetStoreBySlug(ctx, r.defaultSlug)
		if err == nil {
			return store, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	return nil, errdefs.NotFoundf("no store for request (hostname %q)", req.Hostname)
}

// ResolveHTTP extracts identity sources from an HTTP request and resolves
// it. The path slug, when routing uses one, is passed separately since
// the resolver does not own URL layout.
func (r *Resolver) ResolveHTTP(req *http.Request, pathSlug string) (*types.Store, error) {
	rr := Request{
		HeaderStoreID: req.Header.Get(HeaderStoreID),
		ParamStoreID:  req.URL.Query().Get(ParamStoreID),
		Hostname:      hostOnly(req.Host),
		PathSlug:      pathSlug,
	}
	if rr.ParamStoreID == "" {
		if c, err := req.Cookie(ParamStoreID); err == nil {
			rr.ParamStoreID = c.Value
		}
	}
	return r.Resolve(req.Context(), rr)
}

func (r *Resolver) resolveHostname(ctx context.Context, hostname string) (*types.Store, error) {
	if r.cache != nil {
		id, err := r.cache.Get(ctx, cacheKey(hostname)).Result()
		if err == nil && id != "" {
			metrics.HostnameCacheHits.Inc()
			store, err := r.lookup.GetStore(ctx, id)
			if err == nil {
				return store, nil
			}
			// Stale mapping; drop it and fall through to the registry
			r.cache.Del(ctx, cacheKey(hostname))
		} else if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Str("hostname", hostname).Msg("hostname cache read failed")
		}
	}

	metrics.HostnameCacheMisses.Inc()
	store, err := r.lookup.FindStoreByHostname(ctx, hostname)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey(hostname), store.ID, r.cacheTTL).Err(); err != nil {
			r.logger.Warn().Err(err).Str("hostname", hostname).Msg("hostname cache write failed")
		}
	}
	return store, nil
}

// InvalidateHostname drops a cached hostname mapping. Called when a
// hostname binding changes.
func (r *Resolver) InvalidateHostname(ctx context.Context, hostname string) error {
	if r.cache == nil {
		return nil
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if err := r.cache.Del(ctx, cacheKey(hostname)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate hostname %q: %w", hostname, err)
	}
	return nil
}

func cacheKey(hostname string) string {
	return "cartloom:hostname:" + hostname
}

// hostOnly strips an optional port from an HTTP Host value
func hostOnly(host string) string {
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
