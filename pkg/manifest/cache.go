package manifest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// DefaultTTL for the in-process manifest cache.
const DefaultTTL = 5 * time.Minute

// Cache is the read-mostly manifest cache: refresh-on-miss, last-known-good
// fallback within TTL×2, fail closed beyond that.
type Cache struct {
	store registry.Store
	sess  registry.Session
	ttl   time.Duration
	clock func() time.Time
	log   *slog.Logger

	mu        sync.Mutex
	current   *Manifest
	fetchedAt time.Time
}

// NewCache builds a cache reading manifests as sess (manifests are public
// rows in practice, but the session's visibility rule still applies).
func NewCache(store registry.Store, sess registry.Session, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: store,
		sess:  sess,
		ttl:   ttl,
		clock: time.Now,
		log:   slog.Default().With("component", "manifest_cache"),
	}
}

// WithClock overrides the clock for tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Current returns the manifest, refreshing when the TTL lapsed. A refresh
// failure serves the last-known-good copy until TTL×2, then fails closed
// with ErrUnavailable. Reads never block on a refresh already underway —
// the mutex only covers the cheap state swap and the single fetch.
func (c *Cache) Current(ctx context.Context) (*Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if c.current != nil && now.Sub(c.fetchedAt) < c.ttl {
		return c.current, nil
	}

	m, err := c.fetch(ctx)
	if err == nil {
		c.current = m
		c.fetchedAt = now
		return m, nil
	}

	if c.current != nil && now.Sub(c.fetchedAt) < 2*c.ttl {
		c.log.Warn("manifest refresh failed, serving last known good", "error", err)
		return c.current, nil
	}
	c.current = nil
	return nil, err
}

// Invalidate drops the cached copy; the next Current re-fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.fetchedAt = time.Time{}
}

func (c *Cache) fetch(ctx context.Context) (*Manifest, error) {
	row, err := c.store.CurrentManifestRow(ctx, c.sess)
	if err != nil {
		return nil, ErrUnavailable
	}
	return FromRecord(row)
}

// Rows returns the raw manifest record for callers that need provenance
// fields alongside the parsed document.
func Rows(ctx context.Context, store registry.Store, sess registry.Session) (*record.Record, error) {
	return store.CurrentManifestRow(ctx, sess)
}
