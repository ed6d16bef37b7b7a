// Package token caches the platform access token shared by all outbound calls.
package token

import (
	"context"
	"sync"
	"time"

	apperrors "docrelay/internal/errors"

	"github.com/sirupsen/logrus"
)

// DefaultSafetyMargin is subtracted from the issued lifetime so a token is
// never presented close to its real expiry.
const DefaultSafetyMargin = 300 * time.Second

// Source issues a fresh access token. It performs exactly one upstream call.
type Source interface {
	Fetch(ctx context.Context) (value string, ttl time.Duration, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, time.Duration, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (string, time.Duration, error) {
	return f(ctx)
}

// Cache hands out a valid access token. Implementations may be backed by a
// shared store so several replicas reuse one credential.
type Cache interface {
	Token(ctx context.Context) (string, error)
	InvalidateIf(rejected string) bool
}

// MemoryCache keeps the token in process memory.
type MemoryCache struct {
	source Source
	margin time.Duration
	logger *logrus.Logger
	now    func() time.Time

	mu        sync.RWMutex
	refreshMu sync.Mutex
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a cache refreshing from source. A zero margin uses
// DefaultSafetyMargin.
func NewMemoryCache(source Source, margin time.Duration, logger *logrus.Logger) *MemoryCache {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryCache{
		source: source,
		margin: margin,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns the cached token, refreshing it when expired. Concurrent
// callers that find it expired wait on a single refresh.
func (c *MemoryCache) Token(ctx context.Context) (string, error) {
	if v, ok := c.cached(); ok {
		return v, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if v, ok := c.cached(); ok {
		return v, nil
	}

	value, ttl, err := c.source.Fetch(ctx)
	if err != nil {
		c.logger.WithError(err).Error("Failed to refresh access token")
		if apperrors.HasCode(err, apperrors.ErrCodeCredential) {
			return "", err
		}
		return "", apperrors.NewCredentialError(err)
	}
	if value == "" {
		return "", apperrors.NewCredentialError(errEmptyToken)
	}

	expiresAt := c.now().Add(ttl - c.margin)

	c.mu.Lock()
	c.value = value
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.logger.WithField("expires_at", expiresAt.Format(time.RFC3339)).Info("Access token refreshed")
	return value, nil
}

// InvalidateIf drops the cached token so the next caller refreshes it, but
// only while the cache still holds rejected. A caller holding a token the
// platform refused cannot discard one another caller has since refreshed.
// It reports whether the token was dropped.
func (c *MemoryCache) InvalidateIf(rejected string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rejected == "" || c.value != rejected {
		return false
	}
	c.value = ""
	c.expiresAt = time.Time{}
	return true
}

// ExpiresAt returns the local expiry of the cached token.
func (c *MemoryCache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

func (c *MemoryCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value != "" && c.now().Before(c.expiresAt) {
		return c.value, true
	}
	return "", false
}
