// Package credentials resolves store credentials from a secret source and
// caches them in-process. Secret backends rotate and flake; the cache keeps
// the core running through short outages and fails closed on long ones.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultTTL for the in-process credentials cache.
const DefaultTTL = 15 * time.Minute

// ErrUnavailable — no credentials could be resolved and no last-known-good
// copy remains within its stale window.
var ErrUnavailable = errors.New("credentials unavailable")

// Credentials is one resolved secret: the store DSN.
type Credentials struct {
	DSN string
}

// Source fetches fresh credentials from a secret backend.
type Source func(ctx context.Context) (*Credentials, error)

// FileSource reads the DSN from a secret-mounted file on every fetch, so
// rotated mounts are picked up without a restart.
func FileSource(path string) Source {
	return func(context.Context) (*Credentials, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read credentials file %q: %w", path, err)
		}
		dsn := strings.TrimSpace(string(raw))
		if dsn == "" {
			return nil, fmt.Errorf("credentials file %q is empty", path)
		}
		return &Credentials{DSN: dsn}, nil
	}
}

// StaticSource serves a fixed DSN; used when the connection string comes
// straight from the environment.
func StaticSource(dsn string) Source {
	return func(context.Context) (*Credentials, error) {
		if dsn == "" {
			return nil, errors.New("no store connection configured")
		}
		return &Credentials{DSN: dsn}, nil
	}
}

// Cache is the read-mostly credentials cache: refresh-on-miss, last-known-good
// fallback within TTL×2, fail closed beyond that.
type Cache struct {
	src   Source
	ttl   time.Duration
	clock func() time.Time
	log   *slog.Logger

	mu        sync.Mutex
	current   *Credentials
	fetchedAt time.Time
}

// NewCache builds a cache over a source.
func NewCache(src Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		src:   src,
		ttl:   ttl,
		clock: time.Now,
		log:   slog.Default().With("component", "credentials_cache"),
	}
}

// WithClock overrides the clock for tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Current returns the credentials, refreshing when the TTL lapsed. A fetch
// failure serves the last-known-good copy until TTL×2, then fails closed
// with ErrUnavailable.
func (c *Cache) Current(ctx context.Context) (*Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if c.current != nil && now.Sub(c.fetchedAt) < c.ttl {
		return c.current, nil
	}

	creds, err := c.src(ctx)
	if err == nil {
		c.current = creds
		c.fetchedAt = now
		return creds, nil
	}

	if c.current != nil && now.Sub(c.fetchedAt) < 2*c.ttl {
		c.log.Warn("credentials refresh failed, serving last known good", "error", err)
		return c.current, nil
	}
	c.current = nil
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Invalidate drops the cached copy; the next Current re-fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.fetchedAt = time.Time{}
}
