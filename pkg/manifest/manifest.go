// Package manifest holds the governance record: allowed boot ids, kernel
// ids, throttle limits, the slow threshold, and the override public key.
// The latest manifest record in the registry is authoritative; updates are
// new rows, rollback is a new row with older semantics.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/loglineos/core/pkg/record"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CoreVersion is the version of this build, checked against the manifest's
// core_version constraint when one is present.
const CoreVersion = "1.0.0"

var (
	// ErrUnavailable — no manifest could be loaded and no cached copy exists.
	ErrUnavailable = errors.New("manifest unavailable")

	// ErrMisconfigured — manifest absent in production, or the document
	// fails schema validation.
	ErrMisconfigured = errors.New("manifest misconfigured")
)

// Throttle carries per-tenant quota limits.
type Throttle struct {
	PerTenantDailyExecLimit int `json:"per_tenant_daily_exec_limit"`
}

// Policy carries kernel-wide evaluation thresholds.
type Policy struct {
	SlowMS int64 `json:"slow_ms"`
}

// Manifest is the governance document stored in a manifest record's
// metadata column.
type Manifest struct {
	Kernels           map[string]string `json:"kernels"`
	AllowedBootIDs    []string          `json:"allowed_boot_ids"`
	Throttle          Throttle          `json:"throttle"`
	Policy            Policy            `json:"policy"`
	OverridePubkeyHex string            `json:"override_pubkey_hex,omitempty"`
	CoreVersion       string            `json:"core_version,omitempty"`
}

// Defaults per the governance contract.
const (
	DefaultDailyExecLimit = 100
	DefaultSlowMS         = 5000
)

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"kernels": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"allowed_boot_ids": {
			"type": "array",
			"items": {"type": "string"}
		},
		"throttle": {
			"type": "object",
			"properties": {
				"per_tenant_daily_exec_limit": {"type": "integer", "minimum": 0}
			}
		},
		"policy": {
			"type": "object",
			"properties": {
				"slow_ms": {"type": "integer", "minimum": 1}
			}
		},
		"override_pubkey_hex": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
		"core_version": {"type": "string"}
	},
	"required": ["allowed_boot_ids"]
}`

var compiledSchema = jsonschema.MustCompileString("manifest.json", schemaJSON)

// Parse decodes and validates a manifest document, applying defaults.
func Parse(doc json.RawMessage) (*Manifest, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if m.Throttle.PerTenantDailyExecLimit == 0 {
		m.Throttle.PerTenantDailyExecLimit = DefaultDailyExecLimit
	}
	if m.Policy.SlowMS == 0 {
		m.Policy.SlowMS = DefaultSlowMS
	}
	if m.CoreVersion != "" {
		constraint, err := semver.NewConstraint(m.CoreVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: bad core_version constraint %q: %v", ErrMisconfigured, m.CoreVersion, err)
		}
		if !constraint.Check(semver.MustParse(CoreVersion)) {
			return nil, fmt.Errorf("%w: core %s does not satisfy manifest constraint %q", ErrMisconfigured, CoreVersion, m.CoreVersion)
		}
	}
	return &m, nil
}

// FromRecord extracts the manifest document from a manifest record.
func FromRecord(r *record.Record) (*Manifest, error) {
	if r.EntityType != record.EntityManifest {
		return nil, fmt.Errorf("%w: record %s is %s, not manifest", ErrMisconfigured, r.ID, r.EntityType)
	}
	if len(r.Metadata) == 0 {
		return nil, fmt.Errorf("%w: manifest record %s has no document", ErrMisconfigured, r.ID)
	}
	return Parse(r.Metadata)
}

// AllowsBoot reports whether id is on the boot whitelist.
func (m *Manifest) AllowsBoot(id string) bool {
	for _, allowed := range m.AllowedBootIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// KernelID returns the record id registered for a kernel name.
func (m *Manifest) KernelID(name string) (string, bool) {
	id, ok := m.Kernels[name]
	return id, ok
}
