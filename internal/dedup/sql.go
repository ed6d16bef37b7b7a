package dedup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessedStore is the persistence the SQL guard needs. *database.Database
// implements it.
type ProcessedStore interface {
	MarkProcessed(ctx context.Context, messageID string, now time.Time, ttl time.Duration) (bool, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLGuard survives restarts by keeping the window in sqlite.
type SQLGuard struct {
	store  ProcessedStore
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewSQLGuard creates a guard on top of store.
func NewSQLGuard(store ProcessedStore, ttl time.Duration, logger *logrus.Logger) *SQLGuard {
	if logger == nil {
		logger = logrus.New()
	}
	return &SQLGuard{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// ShouldProcess inserts the id unless a live row exists. Store errors fail open.
func (g *SQLGuard) ShouldProcess(ctx context.Context, messageID string) bool {
	ok, err := g.store.MarkProcessed(ctx, messageID, g.now(), g.ttl)
	if err != nil {
		g.logger.WithError(err).Warn("Idempotency store unavailable, processing message")
		return true
	}
	return ok
}

// Sweep deletes rows older than the window.
func (g *SQLGuard) Sweep(ctx context.Context, now time.Time) {
	removed, err := g.store.DeleteProcessedBefore(ctx, now.Add(-g.ttl))
	if err != nil {
		g.logger.WithError(err).Warn("Failed to sweep processed messages")
		return
	}
	if removed > 0 {
		g.logger.WithField("removed", removed).Debug("Swept processed messages")
	}
}
