// Package record — the immutable span envelope of the LogLineOS registry.
//
// Every behavior in the system is a versioned append-only record: function
// definitions, executions, policies, providers, manifests, boot events.
// The "current" revision of a logical id is the row with the greatest seq
// visible to the reader; rows are never mutated in place.
package record

import (
	"encoding/json"
	"time"
)

// EntityType classifies a record. The catalog is open-ended: the ledger
// accepts any kind, but the kernels only act on the ones below.
type EntityType string

const (
	EntityFunction          EntityType = "function"
	EntityRequest           EntityType = "request"
	EntityExecution         EntityType = "execution"
	EntityStatusPatch       EntityType = "status_patch"
	EntityBootEvent         EntityType = "boot_event"
	EntityPolicy            EntityType = "policy"
	EntityPolicyCursor      EntityType = "policy_cursor"
	EntityPolicyViolation   EntityType = "policy_violation"
	EntityPolicyError       EntityType = "policy_error"
	EntityProvider          EntityType = "provider"
	EntityProviderExecution EntityType = "provider_execution"
	EntityManifest          EntityType = "manifest"
	EntityMemory            EntityType = "memory"
	EntityMemoryAudit       EntityType = "memory_audit"
)

// Visibility governs who can read a record.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTenant  Visibility = "tenant"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is one of the three recognized visibilities.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTenant, VisibilityPublic:
		return true
	}
	return false
}

// Lifecycle statuses used by the kernels. Status is free-form for
// user-defined record kinds.
const (
	StatusScheduled = "scheduled"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusActive    = "active"
	StatusSlow      = "slow"
)

// Code languages recognized by the sandbox.
const (
	LanguageCEL    = "cel"
	LanguageWASM   = "wasm"
	LanguageNative = "native"
)

// Record is one row of the registry. (ID, Seq) is the primary identity;
// the same ID at a higher Seq is a revision, never an update.
type Record struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`

	EntityType EntityType `json:"entity_type"`
	Who        string     `json:"who"`
	Did        string     `json:"did,omitempty"`
	This       string     `json:"this,omitempty"`
	At         time.Time  `json:"at"`

	ParentID  string   `json:"parent_id,omitempty"`
	RelatedTo []string `json:"related_to,omitempty"`

	OwnerID    string     `json:"owner_id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Visibility Visibility `json:"visibility"`

	Status    string `json:"status,omitempty"`
	IsDeleted bool   `json:"is_deleted,omitempty"`

	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Language    string `json:"language,omitempty"`
	Runtime     string `json:"runtime,omitempty"`

	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`

	DurationMS int64  `json:"duration_ms,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`

	PrevHash  string `json:"prev_hash,omitempty"`
	CurrHash  string `json:"curr_hash,omitempty"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Meta decodes the free-form metadata column. A nil or empty column decodes
// to an empty map.
func (r *Record) Meta() (map[string]any, error) {
	if len(r.Metadata) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Metadata, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RelatedToSet returns related_to as a set. Order is not significant.
func (r *Record) RelatedToSet() map[string]bool {
	set := make(map[string]bool, len(r.RelatedTo))
	for _, id := range r.RelatedTo {
		set[id] = true
	}
	return set
}

// HasProof reports whether the record carries the full cryptographic
// envelope. CurrHash and Signature must be both present or both absent;
// Incomplete reports a half-filled envelope.
func (r *Record) HasProof() bool {
	return r.CurrHash != "" && r.Signature != ""
}

// IncompleteProof reports a record carrying exactly one of curr_hash and
// signature, which the crypto core rejects.
func (r *Record) IncompleteProof() bool {
	return (r.CurrHash != "") != (r.Signature != "")
}

// ErrObject is the structured failure stored in a record's error column.
type ErrObject struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// MarshalErr encodes an ErrObject for the error column. Marshal of a plain
// struct cannot fail; the panic guards refactoring mistakes only.
func MarshalErr(e ErrObject) json.RawMessage {
	b, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	return b
}
