// Package dedup remembers recently handled callback message ids so platform
// retries of the same delivery do not repeat side effects.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Guard decides whether a message id is seen for the first time within the
// idempotency window.
//
// ShouldProcess must check and record the id in one atomic step: for a given
// id it returns true at most once per window, however many callers race.
type Guard interface {
	ShouldProcess(ctx context.Context, messageID string) bool
	Sweep(ctx context.Context, now time.Time)
}

// MemoryGuard keeps first-seen times in process memory.
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryGuard creates a guard forgetting ids after ttl.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// ShouldProcess records messageID and reports whether it was new. An entry
// older than ttl that has not been swept yet counts as absent.
func (g *MemoryGuard) ShouldProcess(_ context.Context, messageID string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if first, ok := g.seen[messageID]; ok && now.Sub(first) <= g.ttl {
		return false
	}
	g.seen[messageID] = now
	return true
}

// Sweep drops entries older than ttl.
func (g *MemoryGuard) Sweep(_ context.Context, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, first := range g.seen {
		if now.Sub(first) > g.ttl {
			delete(g.seen, id)
		}
	}
}

// Len returns the number of remembered ids.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
