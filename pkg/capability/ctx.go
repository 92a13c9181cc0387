// Package capability builds the ctx bundle handed to every kernel
// invocation. A kernel can reach exactly what the bundle exposes: the bound
// SQL surface, record insertion, the clock, UUIDs, crypto, and sleep.
// No filesystem, no arbitrary network, no process spawn.
package capability

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// Env is the read-only identity block populated from the boot request.
type Env struct {
	UserID   string
	TenantID string
	// Signer is present when the process holds the signing key; kernels
	// sign through it without ever seeing key material.
	Signer crypto.Signer
}

// Ctx is the capability bundle. One Ctx per kernel invocation; kernels must
// not retain it past their return.
type Ctx struct {
	store registry.Store
	sess  registry.Session
	env   Env
	vars  map[string]string
	clock func() time.Time
}

// New builds a Ctx with the boot session identity.
func New(store registry.Store, env Env) *Ctx {
	return &Ctx{
		store: store,
		sess:  registry.Session{UserID: env.UserID, TenantID: env.TenantID},
		env:   env,
		vars:  map[string]string{},
		clock: time.Now,
	}
}

// WithVar returns a child Ctx with one binding added (SPAN_ID, PROVIDER_ID).
// The parent is unchanged.
func (c *Ctx) WithVar(key, value string) *Ctx {
	child := *c
	child.vars = make(map[string]string, len(c.vars)+1)
	for k, v := range c.vars {
		child.vars[k] = v
	}
	child.vars[key] = value
	return &child
}

// WithClock overrides the clock for tests.
func (c *Ctx) WithClock(clock func() time.Time) *Ctx {
	c.clock = clock
	return c
}

// Var reads a kernel binding.
func (c *Ctx) Var(key string) (string, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// Env returns the read-only identity block.
func (c *Ctx) Env() Env { return c.env }

// Session returns the session identity installed on this ctx.
func (c *Ctx) Session() registry.Session { return c.sess }

// Store exposes typed registry reads for the native kernels.
func (c *Ctx) Store() registry.Store { return c.store }

// SQL runs a parameter-bound condition over the visible timeline. The
// condition must bind every value with ? placeholders; the store refuses
// literal quoting at the boundary.
func (c *Ctx) SQL(ctx context.Context, cond string, args ...any) ([]record.Record, error) {
	return c.store.SQL(ctx, c.sess, cond, args...)
}

// Stamp fills the identity and timestamp defaults from the session without
// inserting: id, owner, tenant, actor, visibility, and at. Callers that
// seal a record must stamp it first, because the hash covers the final
// field values.
func (c *Ctx) Stamp(r *record.Record) {
	if r.ID == "" {
		r.ID = record.NewID()
	}
	if r.OwnerID == "" {
		r.OwnerID = c.sess.UserID
	}
	if r.TenantID == "" {
		r.TenantID = c.sess.TenantID
	}
	if r.Who == "" {
		r.Who = c.sess.UserID
	}
	if r.Visibility == "" {
		r.Visibility = record.VisibilityTenant
		if c.sess.TenantID == "" {
			r.Visibility = record.VisibilityPrivate
		}
	}
	if r.At.IsZero() {
		r.At = c.Now()
	}
}

// InsertRecord appends one record under the session identity, defaulting
// owner, tenant, and actor fields from the session.
func (c *Ctx) InsertRecord(ctx context.Context, r *record.Record) error {
	c.Stamp(r)
	return c.store.Insert(ctx, c.sess, r)
}

// Now returns the current UTC time, truncated to millisecond precision.
func (c *Ctx) Now() time.Time {
	return c.clock().UTC().Truncate(time.Millisecond)
}

// Sleep pauses for the duration or until ctx is done. The only timer
// capability a kernel gets.
func (c *Ctx) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithDB runs fn with a scoped pooled connection, released on every exit
// path including panics. The postgres backend installs the session identity
// as app.user_id / app.tenant_id for trigger and policy parity.
func (c *Ctx) WithDB(ctx context.Context, fn func(conn *sql.Conn) error) error {
	provider, ok := c.store.(interface{ DB() *sql.DB })
	if !ok {
		return fmt.Errorf("store does not expose pooled connections")
	}
	conn, err := provider.DB().Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if pg, ok := c.store.(interface{ IsPostgres() bool }); ok && pg.IsPostgres() {
		if _, err := conn.ExecContext(ctx, "SELECT set_config('app.user_id', $1, false), set_config('app.tenant_id', $2, false)",
			c.sess.UserID, c.sess.TenantID); err != nil {
			return fmt.Errorf("install session identity: %w", err)
		}
	}
	return fn(conn)
}

// Crypto returns the crypto facade.
func (c *Ctx) Crypto() Crypto { return Crypto{signer: c.env.Signer} }

// Crypto is the ctx-scoped crypto capability.
type Crypto struct {
	signer crypto.Signer
}

// Hash returns the hex BLAKE3-256 digest of data.
func (Crypto) Hash(data []byte) string { return crypto.HashBytes(data) }

// Sign signs data with the process signing key. Errors when the boot
// request carried no key.
func (cc Crypto) Sign(data []byte) (string, error) {
	if cc.signer == nil {
		return "", fmt.Errorf("no signing key in ctx")
	}
	return cc.signer.Sign(data)
}

// Verify checks a hex signature over data against a hex public key.
func (Crypto) Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	return crypto.Verify(pubKeyHex, sigHex, data)
}

// RandomUUID returns a fresh v4 UUID string.
func (Crypto) RandomUUID() string { return uuid.NewString() }

// Hex encodes bytes to hex.
func (Crypto) Hex(b []byte) string { return hex.EncodeToString(b) }

// Bytes decodes hex to bytes.
func (Crypto) Bytes(s string) ([]byte, error) { return hex.DecodeString(s) }
