// Package alertcache remembers which usage alert levels were already delivered
// for a session's current billing cycle. It is best effort: a lost entry means
// one repeated alert, never a missed termination.
package alertcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// DefaultBuffer is added to a session's remaining lifetime to form the key TTL
const DefaultBuffer = time.Hour

// Cache records delivered alert levels
type Cache interface {
	// MarkIfNew records level under key and reports whether it was absent.
	// The key expires after ttl.
	MarkIfNew(ctx context.Context, key string, level models.AlertLevel, ttl time.Duration) (bool, error)
	// Forget drops every level recorded under key
	Forget(ctx context.Context, key string) error
}

// Key scopes alert state to one activation of a session, so a renewal starts
// with a clean slate without any explicit reset.
func Key(sessionID string, activatedAt time.Time) string {
	return fmt.Sprintf("alerts_sent:%s:%d", sessionID, activatedAt.Unix())
}

// TTLFor returns how long alert state must outlive the session's billing cycle
func TTLFor(session *models.Session, now time.Time, buffer time.Duration) time.Duration {
	ttl := buffer
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.After(now) {
		ttl += session.ExpiresAt.Sub(now)
	}
	return ttl
}

type entry struct {
	levels  map[models.AlertLevel]struct{}
	expires time.Time
}

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// MemoryOption configures a MemoryCache
type MemoryOption func(*MemoryCache)

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = fn
	}
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkIfNew implements Cache
func (c *MemoryCache) MarkIfNew(_ context.Context, key string, level models.AlertLevel, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	e, ok := c.entries[key]
	if !ok {
		e = &entry{levels: make(map[models.AlertLevel]struct{})}
		c.entries[key] = e
	}
	if exp := now.Add(ttl); exp.After(e.expires) {
		e.expires = exp
	}

	if _, seen := e.levels[level]; seen {
		return false, nil
	}
	e.levels[level] = struct{}{}
	return true, nil
}

// Forget implements Cache
func (c *MemoryCache) Forget(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of live keys
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.now())
	return len(c.entries)
}

func (c *MemoryCache) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
}
