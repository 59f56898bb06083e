package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin renews a credential this long before it expires.
const DefaultRefreshMargin = 5 * time.Minute

// Credential is a bearer token and its expiry.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential can still be used at now with margin to spare.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.Value != "" && now.Add(margin).Before(c.ExpiresAt)
}

// Issuer obtains a fresh credential from the provider.
type Issuer interface {
	IssueToken(ctx context.Context) (Credential, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context) (Credential, error)

func (f IssuerFunc) IssueToken(ctx context.Context) (Credential, error) { return f(ctx) }

// TokenCache hands out a cached credential and renews it ahead of expiry.
// Concurrent callers that find it stale share a single issuance.
type TokenCache struct {
	issuer Issuer
	margin time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu     sync.RWMutex
	cred   Credential
	group  singleflight.Group
	issued atomic.Int64
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *TokenCache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *TokenCache) { c.logger = l }
}

func NewTokenCache(issuer Issuer, margin time.Duration, opts ...Option) *TokenCache {
	if margin < 0 {
		margin = DefaultRefreshMargin
	}
	c := &TokenCache{
		issuer: issuer,
		margin: margin,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetValidToken returns the cached credential or issues a new one.
func (c *TokenCache) GetValidToken(ctx context.Context) (Credential, error) {
	if cred, ok := c.cached(); ok {
		return cred, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// another caller may have refreshed between our check and entering here
		if cred, ok := c.cached(); ok {
			return cred, nil
		}
		cred, err := c.issuer.IssueToken(context.WithoutCancel(ctx))
		if err != nil {
			return Credential{}, fmt.Errorf("issue token: %w", err)
		}
		if cred.Value == "" {
			return Credential{}, errors.New("issue token: empty credential")
		}

		c.mu.Lock()
		c.cred = cred
		c.mu.Unlock()
		c.issued.Add(1)

		c.logger.Info("token issued", zap.Time("expires_at", cred.ExpiresAt))
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate drops the cached credential so the next call reissues.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()
	c.logger.Info("token invalidated")
}

// Issued counts successful issuances.
func (c *TokenCache) Issued() int64 { return c.issued.Load() }

func (c *TokenCache) cached() (Credential, bool) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	return cred, cred.ValidAt(c.now(), c.margin)
}
