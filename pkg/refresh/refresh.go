package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/types"
)

// Outcome is the result of one provider refresh call. Revoked is a
// distinguished outcome, not an error: the provider reported the grant
// as withdrawn and retrying is pointless.
type Outcome struct {
	NewExpiresAt          time.Time
	RefreshTokenExpiresAt *time.Time
	Revoked               bool
}

// Provider refreshes tokens for one integration type. Implementations
// must be idempotent; a replayed refresh after a crash must not break
// the integration.
type Provider interface {
	Refresh(ctx context.Context, token *types.IntegrationToken) (*Outcome, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, token *types.IntegrationToken) (*Outcome, error)

func (f ProviderFunc) Refresh(ctx context.Context, token *types.IntegrationToken) (*Outcome, error) {
	return f(ctx, token)
}

// ProviderRegistry maps integration types to their refresh providers
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty provider registry
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register binds a provider to an integration type
func (r *ProviderRegistry) Register(integrationType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[integrationType] = p
}

// Get returns the provider for an integration type, or nil
func (r *ProviderRegistry) Get(integrationType string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[integrationType]
}

// TokenSource is the slice of the token registry the refresher needs
type TokenSource interface {
	FindExpiring(ctx context.Context, buffer time.Duration) ([]*types.IntegrationToken, error)
	RecordRefresh(ctx context.Context, id string, newExpiresAt time.Time, refreshExpiresAt *time.Time) error
	RecordRefreshFailure(ctx context.Context, id string, refreshErr error) error
	MarkRevoked(ctx context.Context, id string) error
}

// BatchResult summarizes one refresh batch
type BatchResult struct {
	Selected  int `json:"selected"`
	Refreshed int `json:"refreshed"`
	Revoked   int `json:"revoked"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Refresher walks expiring tokens and refreshes them through their
// providers. Provider calls go through a per-integration circuit
// breaker so one broken third party cannot burn the whole batch budget.
type Refresher struct {
	tokens       TokenSource
	providers    *ProviderRegistry
	buffer       time.Duration
	batchTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// Options configures a refresher
type Options struct {
	// Buffer selects tokens expiring within this window (default 1h)
	Buffer time.Duration

	// BatchTimeout bounds one batch; unprocessed tokens wait for the
	// next tick (default 5m)
	BatchTimeout time.Duration
}

// New creates a refresher
func New(tokens TokenSource, providers *ProviderRegistry, opts Options) *Refresher {
	if opts.Buffer <= 0 {
		opts.Buffer = time.Hour
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 5 * time.Minute
	}
	return &Refresher{
		tokens:       tokens,
		providers:    providers,
		buffer:       opts.Buffer,
		batchTimeout: opts.BatchTimeout,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		logger:       log.WithComponent("refresh"),
	}
}

// RunBatch refreshes every token due within the buffer, oldest expiry
// first. Individual failures are recorded and never abort the batch;
// only the batch deadline stops it early.
func (r *Refresher) RunBatch(ctx context.Context) (*BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.batchTimeout)
	defer cancel()

	due, err := r.tokens.FindExpiring(ctx, r.buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to select expiring tokens: %w", err)
	}

	result := &BatchResult{Selected: len(due)}
	for i, token := range due {
		if ctx.Err() != nil {
			// Out of budget; the rest are first in line next tick
			result.Skipped = len(due) - i
			break
		}
		r.refreshOne(ctx, token, result)
	}

	r.logger.Info().Int("selected", result.Selected).Int("refreshed", result.Refreshed).
		Int("revoked", result.Revoked).Int("failed", result.Failed).
		Int("skipped", result.Skipped).Msg("token refresh batch done")
	return result, nil
}

func (r *Refresher) refreshOne(ctx context.Context, token *types.IntegrationToken, result *BatchResult) {
	logger := r.logger.With().Str("token_id", token.ID).
		Str("integration", token.IntegrationType).Str("store_id", token.StoreID).Logger()

	provider := r.providers.Get(token.IntegrationType)
	if provider == nil {
		result.Failed++
		metrics.TokenRefreshes.WithLabelValues(token.IntegrationType, "error").Inc()
		r.recordFailure(ctx, token.ID, fmt.Errorf("no provider for integration %q", token.IntegrationType))
		return
	}

	outcome, err := r.callProvider(ctx, token, provider)
	switch {
	case err == nil && outcome.Revoked, errors.Is(err, errdefs.ErrRevoked):
		result.Revoked++
		metrics.TokenRefreshes.WithLabelValues(token.IntegrationType, "revoked").Inc()
		if err := r.tokens.MarkRevoked(ctx, token.ID); err != nil {
			logger.Error().Err(err).Msg("failed to mark token revoked")
		}

	case err != nil:
		result.Failed++
		metrics.TokenRefreshes.WithLabelValues(token.IntegrationType, "error").Inc()
		logger.Warn().Err(err).Msg("token refresh failed")
		r.recordFailure(ctx, token.ID, err)

	default:
		result.Refreshed++
		metrics.TokenRefreshes.WithLabelValues(token.IntegrationType, "ok").Inc()
		if err := r.tokens.RecordRefresh(ctx, token.ID, outcome.NewExpiresAt, outcome.RefreshTokenExpiresAt); err != nil {
			logger.Error().Err(err).Msg("failed to record refresh")
		}
	}
}

// callProvider wraps the provider call in the integration's circuit
// breaker plus a short retry for transient faults. Revoked outcomes
// pass through untouched.
func (r *Refresher) callProvider(ctx context.Context, token *types.IntegrationToken, provider Provider) (*Outcome, error) {
	res, err := r.breaker(token.IntegrationType).Execute(func() (any, error) {
		var outcome *Outcome
		op := func() error {
			var err error
			outcome, err = provider.Refresh(ctx, token)
			if errors.Is(err, errdefs.ErrRevoked) {
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return nil, err
		}
		return outcome, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Outcome), nil
}

func (r *Refresher) breaker(integrationType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[integrationType]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    integrationType,
			Timeout: time.Minute,
		})
		r.breakers[integrationType] = cb
	}
	return cb
}

func (r *Refresher) recordFailure(ctx context.Context, id string, cause error) {
	if err := r.tokens.RecordRefreshFailure(ctx, id, cause); err != nil {
		r.logger.Error().Err(err).Str("token_id", id).Msg("failed to record refresh failure")
	}
}

// Handler returns the job handler backing the refresh_tokens system
// cron entry
func Handler(r *Refresher) jobs.Handler {
	return func(ctx context.Context, job *types.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
		result, err := r.RunBatch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}
