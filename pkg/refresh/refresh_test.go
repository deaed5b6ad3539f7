package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/types"
)

// fakeTokens mimics the registry's expiry selection and bookkeeping
type fakeTokens struct {
	tokens []*types.IntegrationToken

	refreshed map[string]time.Time
	failures  map[string]int
	revoked   map[string]bool
}

func newFakeTokens(tokens ...*types.IntegrationToken) *fakeTokens {
	return &fakeTokens{
		tokens:    tokens,
		refreshed: make(map[string]time.Time),
		failures:  make(map[string]int),
		revoked:   make(map[string]bool),
	}
}

func (f *fakeTokens) FindExpiring(ctx context.Context, buffer time.Duration) ([]*types.IntegrationToken, error) {
	cutoff := time.Now().Add(buffer)
	var out []*types.IntegrationToken
	for _, tok := range f.tokens {
		if tok.Status != types.TokenStatusActive && tok.Status != types.TokenStatusExpiring {
			continue
		}
		if tok.TokenExpiresAt.After(cutoff) {
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

func (f *fakeTokens) RecordRefresh(ctx context.Context, id string, newExpiresAt time.Time, refreshExpiresAt *time.Time) error {
	f.refreshed[id] = newExpiresAt
	for _, tok := range f.tokens {
		if tok.ID == id {
			tok.TokenExpiresAt = newExpiresAt
			tok.Status = types.TokenStatusActive
			tok.ConsecutiveFailures = 0
		}
	}
	return nil
}

func (f *fakeTokens) RecordRefreshFailure(ctx context.Context, id string, refreshErr error) error {
	f.failures[id]++
	return nil
}

func (f *fakeTokens) MarkRevoked(ctx context.Context, id string) error {
	f.revoked[id] = true
	for _, tok := range f.tokens {
		if tok.ID == id {
			tok.Status = types.TokenStatusRevoked
		}
	}
	return nil
}

func token(id, integration string, status types.TokenStatus, expiresIn time.Duration) *types.IntegrationToken {
	return &types.IntegrationToken{
		ID:              id,
		StoreID:         "S1",
		IntegrationType: integration,
		ConfigKey:       "default",
		Status:          status,
		TokenExpiresAt:  time.Now().Add(expiresIn),
		MaxFailures:     5,
	}
}

func TestRunBatchRefreshesExpiring(t *testing.T) {
	// A expires in 10m, B in 90m, C is revoked
	a := token("A", "payment_gateway", types.TokenStatusActive, 10*time.Minute)
	b := token("B", "payment_gateway", types.TokenStatusActive, 90*time.Minute)
	c := token("C", "payment_gateway", types.TokenStatusRevoked, 5*time.Minute)
	source := newFakeTokens(a, b, c)

	providers := NewProviderRegistry()
	var refreshedTokens []string
	providers.Register("payment_gateway", ProviderFunc(func(ctx context.Context, tok *types.IntegrationToken) (*Outcome, error) {
		refreshedTokens = append(refreshedTokens, tok.ID)
		return &Outcome{NewExpiresAt: time.Now().Add(time.Hour)}, nil
	}))

	r := New(source, providers, Options{Buffer: time.Hour})
	result, err := r.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Selected)
	assert.Equal(t, 1, result.Refreshed)
	assert.Equal(t, []string{"A"}, refreshedTokens)

	// A is active again with a fresh expiry; C untouched
	assert.Equal(t, types.TokenStatusActive, a.Status)
	assert.Zero(t, a.ConsecutiveFailures)
	assert.True(t, a.TokenExpiresAt.After(time.Now().Add(50*time.Minute)))
	assert.Equal(t, types.TokenStatusRevoked, c.Status)
	assert.False(t, source.revoked["C"])
}

func TestRunBatchRevokedOutcome(t *testing.T) {
	a := token("A", "marketplace", types.TokenStatusExpiring, 10*time.Minute)
	source := newFakeTokens(a)

	providers := NewProviderRegistry()
	providers.Register("marketplace", ProviderFunc(func(ctx context.Context, tok *types.IntegrationToken) (*Outcome, error) {
		return &Outcome{Revoked: true}, nil
	}))

	r := New(source, providers, Options{})
	result, err := r.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Revoked)
	assert.True(t, source.revoked["A"])
	assert.Zero(t, source.failures["A"])
}

func TestRunBatchRevokedError(t *testing.T) {
	a := token("A", "marketplace", types.TokenStatusExpiring, 10*time.Minute)
	source := newFakeTokens(a)

	providers := NewProviderRegistry()
	providers.Register("marketplace", ProviderFunc(func(ctx context.Context, tok *types.IntegrationToken) (*Outcome, error) {
		return nil, errdefs.ErrRevoked
	}))

	r := New(source, providers, Options{})
	result, err := r.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Revoked)
	assert.True(t, source.revoked["A"])
}

func TestRunBatchFailureDoesNotAbort(t *testing.T) {
	a := token("A", "shipping", types.TokenStatusExpiring, 5*time.Minute)
	b := token("B", "payment_gateway", types.TokenStatusExpiring, 10*time.Minute)
	source := newFakeTokens(a, b)

	providers := NewProviderRegistry()
	providers.Register("shipping", ProviderFunc(func(ctx context.Context, tok *types.IntegrationToken) (*Outcome, error) {
		return nil, errors.New("upstream 500")
	}))
	providers.Register("payment_gateway", ProviderFunc(func(ctx context.Context, tok *types.IntegrationToken) (*Outcome, error) {
		return &Outcome{NewExpiresAt: time.Now().Add(time.Hour)}, nil
	}))

	r := New(source, providers, Options{})
	result, err := r.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Refreshed)
	assert.Equal(t, 1, source.failures["A"])
	assert.Contains(t, source.refreshed, "B")
}

func TestRunBatchMissingProvider(t *testing.T) {
	a := token("A", "unknown_integration", types.TokenStatusExpiring, 5*time.Minute)
	source := newFakeTokens(a)

	r := New(source, NewProviderRegistry(), Options{})
	result, err := r.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, source.failures["A"])
}

func TestRunBatchRespectsDeadline(t *testing.T) {
	var toks []*types.IntegrationToken
	for _, id := range []string{"A", "B", "C", "D"} {
		toks = append(toks, token(id, "slow", types.TokenStatusExpiring, 5*time.Minute))
	}
	source := newFakeTokens(toks...)

	providers := NewProviderRegistry()
	providers.Register("slow", ProviderFunc(func(ctx context.Context, tok *types.IntegrationToken) (*Outcome, error) {
		time.Sleep(40 * time.Millisecond)
		return &Outcome{NewExpiresAt: time.Now().Add(time.Hour)}, nil
	}))

	r := New(source, providers, Options{BatchTimeout: 100 * time.Millisecond})
	result, err := r.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Selected)
	assert.Greater(t, result.Skipped, 0)
	assert.Less(t, result.Refreshed, 4)
}
