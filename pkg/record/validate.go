package record

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	// ErrInvariant is wrapped by all structural validation failures.
	ErrInvariant = errors.New("invariant violation")

	userIDRe   = regexp.MustCompile(`(?i)^[a-z0-9:_-]{1,100}$`)
	tenantIDRe = regexp.MustCompile(`^[a-z0-9-]{1,50}$`)
)

// ValidUserID reports whether s is an acceptable actor id.
func ValidUserID(s string) bool { return userIDRe.MatchString(s) }

// ValidTenantID reports whether s is an acceptable tenant id.
func ValidTenantID(s string) bool { return tenantIDRe.MatchString(s) }

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate checks the structural invariants a row must satisfy before it may
// be appended: visibility domain, seq >= 0, and basic identity shape.
// Session-dependent checks live in the registry store.
func (r *Record) Validate() error {
	if !ValidUUID(r.ID) {
		return fmt.Errorf("%w: id %q is not a UUID", ErrInvariant, r.ID)
	}
	if r.Seq < 0 {
		return fmt.Errorf("%w: seq %d is negative", ErrInvariant, r.Seq)
	}
	if !r.Visibility.Valid() {
		return fmt.Errorf("%w: visibility %q not in {private, tenant, public}", ErrInvariant, r.Visibility)
	}
	if r.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvariant)
	}
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvariant)
	}
	if r.TenantID != "" && !ValidTenantID(r.TenantID) {
		return fmt.Errorf("%w: tenant_id %q is malformed", ErrInvariant, r.TenantID)
	}
	if r.ParentID != "" && !ValidUUID(r.ParentID) {
		return fmt.Errorf("%w: parent_id %q is not a UUID", ErrInvariant, r.ParentID)
	}
	for _, rel := range r.RelatedTo {
		if !ValidUUID(rel) {
			return fmt.Errorf("%w: related_to entry %q is not a UUID", ErrInvariant, rel)
		}
	}
	if r.IncompleteProof() {
		return fmt.Errorf("%w: curr_hash and signature must be both present or both absent", ErrInvariant)
	}
	return nil
}

// NewID returns a fresh v4 UUID for a record id.
func NewID() string { return uuid.NewString() }

// NewTraceID returns a v7 UUID: time-ordered, which keeps trace-scoped
// queries clustered in the (trace_id) index.
func NewTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
