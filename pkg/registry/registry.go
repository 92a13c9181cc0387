// Package registry implements the append-only record store: ordering,
// row-level visibility, insert notifications, advisory locks, and the query
// shapes the kernels need.
//
// Two backends share the SQL implementation: modernc.org/sqlite for
// single-node and test use, lib/pq for production Postgres. Append-only
// semantics are enforced twice — this package never issues UPDATE or DELETE,
// and database triggers reject them from any other client.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/loglineos/core/pkg/record"
)

var (
	// ErrAppendOnly — an UPDATE or DELETE reached the registry table.
	ErrAppendOnly = errors.New("append-only violation")

	// ErrConflict — a row with the same (id, seq) already exists, or the
	// scheduled-request uniqueness index rejected a duplicate.
	ErrConflict = errors.New("conflict")

	// ErrNotFound — no visible row matched.
	ErrNotFound = errors.New("not found")

	// ErrVisibility — an insert whose owner_id differs from the session
	// actor, or a read that would cross the row-visibility boundary.
	ErrVisibility = errors.New("visibility mismatch")
)

// Session is the identity installed for every read and write: user_id is
// always set, tenant_id when known. It binds the row-visibility and
// ownership rules on every store call.
type Session struct {
	UserID   string
	TenantID string
}

// Query describes the filterable shapes over the visible timeline.
// Zero values mean "no filter". Results are ordered by at, ties broken by
// (id, seq).
type Query struct {
	EntityType  record.EntityType
	Status      string
	OwnerID     string
	Visibility  record.Visibility
	ParentID    string
	TraceID     string
	RelatedTo   string    // matches rows whose related_to set contains this id
	TenantID    string    // exact tenant match, used by kernel scans
	SinceAt     time.Time // strictly-after bound on at
	OldestFirst bool
	Limit       int
	Offset      int
}

// Store is the registry surface handed to the ctx provider and the kernels.
type Store interface {
	// Insert appends one record under the session identity. The store
	// assigns at when unset. Fails with ErrVisibility when owner_id does
	// not match the session actor, ErrConflict on duplicate (id, seq).
	Insert(ctx context.Context, sess Session, r *record.Record) error

	// Select runs a filtered query over the visible timeline.
	Select(ctx context.Context, sess Session, q Query) ([]record.Record, error)

	// SQL runs a parameter-bound condition against the visible timeline.
	// The condition must use ? placeholders; literal quoting is refused at
	// the boundary. Column "when" aliases "at".
	SQL(ctx context.Context, sess Session, cond string, args ...any) ([]record.Record, error)

	// LatestByID returns the greatest-seq visible revision of id.
	LatestByID(ctx context.Context, sess Session, id string) (*record.Record, error)

	// CurrentManifestRow returns the most recent visible manifest record.
	CurrentManifestRow(ctx context.Context, sess Session) (*record.Record, error)

	// PendingRequests returns oldest-first scheduled request rows that no
	// status_patch references yet. Requests never mutate; a dispatch is
	// terminal once its status_patch lands, and this selection is how the
	// worker observes that.
	PendingRequests(ctx context.Context, sess Session, limit int) ([]record.Record, error)

	// CountTenantExecutionsSince counts execution rows for a tenant with
	// at >= since. Used by the quota guard under the throttle lock.
	CountTenantExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int, error)

	// TryLock attempts the advisory lock derived from key. Cooperative:
	// callers must Unlock on every exit path.
	TryLock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error

	// Subscribe returns a channel of inserted rows. The subscription ends
	// when ctx is done.
	Subscribe(ctx context.Context) <-chan record.Record

	// Ping probes store connectivity (SELECT 1).
	Ping(ctx context.Context) error

	Close() error
}
