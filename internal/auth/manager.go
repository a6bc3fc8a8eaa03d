package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-momo/internal/logger"
	"ms-momo/internal/metrics"

	"golang.org/x/sync/singleflight"
)

const refreshKey = "gateway-token"

// Authenticator obtains a fresh token from the gateway.
type Authenticator interface {
	Authenticate(ctx context.Context) (Token, error)
}

type AuthenticatorFunc func(ctx context.Context) (Token, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context) (Token, error) {
	return f(ctx)
}

// TokenManager owns the cached gateway token. Reads of a valid token only take
// a read lock; refreshes are collapsed so overlapping callers share one
// authenticate call and its result.
type TokenManager struct {
	authenticator  Authenticator
	store          TokenStore
	log            *logger.Logger
	metrics        *metrics.Metrics
	refreshTimeout time.Duration
	now            func() time.Time

	mu     sync.RWMutex
	cached *Token

	flight singleflight.Group
}

type Option func(*TokenManager)

// WithStore adds a shared second-level cache (Redis) consulted before authenticating.
func WithStore(store TokenStore) Option {
	return func(m *TokenManager) { m.store = store }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *TokenManager) { m.metrics = mt }
}

// WithRefreshTimeout bounds a single refresh, including the wait of every joined caller.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *TokenManager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

func NewTokenManager(authenticator Authenticator, log *logger.Logger, opts ...Option) *TokenManager {
	m := &TokenManager{
		authenticator:  authenticator,
		log:            log,
		refreshTimeout: 15 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a usable bearer token, refreshing it if needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if tok := m.current(); tok != nil {
		return tok.Value, nil
	}

	// The refresh outlives any single caller: someone giving up must not
	// fail the refresh for the others that joined it.
	refreshCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(refreshKey, func() (interface{}, error) {
		return m.refresh(refreshCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*Token).Value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next caller authenticates again.
func (m *TokenManager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteToken(ctx); err != nil {
			m.log.Warn("AUTH", fmt.Sprintf("Failed to delete shared token: %v", err))
		}
	}
	m.log.Info("AUTH", "Cached gateway token invalidated")
}

func (m *TokenManager) current() *Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cached.IsValid(m.now()) {
		return m.cached
	}
	return nil
}

func (m *TokenManager) publish(tok *Token) {
	m.mu.Lock()
	m.cached = tok
	m.mu.Unlock()
}

func (m *TokenManager) refresh(ctx context.Context) (*Token, error) {
	// A flight that finished just before this one started may already have published.
	if tok := m.current(); tok != nil {
		return tok, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	if m.store != nil {
		shared, err := m.store.GetToken(ctx)
		if err != nil {
			m.log.Warn("AUTH", fmt.Sprintf("Shared token cache unavailable: %v", err))
		} else if shared.IsValid(m.now()) {
			m.publish(shared)
			m.metrics.ObserveTokenRefresh("shared_cache", "success")
			m.log.Debug("AUTH", "Using gateway token from shared cache")
			return shared, nil
		}
	}

	m.log.Info("AUTH", "Requesting new gateway token")
	tok, err := m.authenticate(ctx)
	if err != nil {
		m.publish(nil)
		if m.store != nil {
			if delErr := m.store.DeleteToken(context.WithoutCancel(ctx)); delErr != nil {
				m.log.Warn("AUTH", fmt.Sprintf("Failed to clear shared token: %v", delErr))
			}
		}
		m.metrics.ObserveTokenRefresh("gateway", "error")
		m.log.Error("AUTH", fmt.Sprintf("Gateway authentication failed: %v", err))
		return nil, err
	}

	if !tok.IsValid(m.now()) {
		m.log.Warn("AUTH", fmt.Sprintf("Gateway issued a token expiring at %s, inside the refresh buffer", tok.ExpiresAt.Format(time.RFC3339)))
	}

	m.publish(tok)
	if m.store != nil {
		if err := m.store.SetToken(ctx, *tok); err != nil {
			m.log.Warn("AUTH", fmt.Sprintf("Failed to share gateway token: %v", err))
		}
	}
	m.metrics.ObserveTokenRefresh("gateway", "success")
	m.log.Info("AUTH", fmt.Sprintf("Gateway token refreshed, expires at %s", tok.ExpiresAt.Format(time.RFC3339)))
	return tok, nil
}

// authenticate runs the authenticator and bounds it by ctx even if the
// authenticator itself ignores cancellation. A panic is reported as an error.
func (m *TokenManager) authenticate(ctx context.Context) (*Token, error) {
	type result struct {
		tok Token
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("authenticator panicked: %v", r)}
			}
		}()
		tok, err := m.authenticator.Authenticate(ctx)
		done <- result{tok: tok, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.tok.Value == "" {
			return nil, errors.New("authenticator returned an empty token")
		}
		return &res.tok, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("token refresh timed out after %s: %w", m.refreshTimeout, ctx.Err())
	}
}
