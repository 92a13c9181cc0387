package manifest_test

import (
	"encoding/json"
	"testing"

	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	m, err := manifest.Parse(json.RawMessage(`{"allowed_boot_ids": ["a", "b"]}`))
	require.NoError(t, err)
	assert.Equal(t, manifest.DefaultDailyExecLimit, m.Throttle.PerTenantDailyExecLimit)
	assert.Equal(t, int64(manifest.DefaultSlowMS), m.Policy.SlowMS)
	assert.True(t, m.AllowsBoot("a"))
	assert.False(t, m.AllowsBoot("c"))
}

func TestParse_FullDocument(t *testing.T) {
	doc := json.RawMessage(`{
		"kernels": {"run_code": "11111111-1111-1111-1111-111111111111"},
		"allowed_boot_ids": [],
		"throttle": {"per_tenant_daily_exec_limit": 5},
		"policy": {"slow_ms": 250},
		"override_pubkey_hex": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	}`)
	m, err := manifest.Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Throttle.PerTenantDailyExecLimit)
	assert.Equal(t, int64(250), m.Policy.SlowMS)

	id, ok := m.KernelID("run_code")
	assert.True(t, ok)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", id)
	_, ok = m.KernelID("unknown")
	assert.False(t, ok)
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing allowed_boot_ids", `{}`},
		{"negative throttle", `{"allowed_boot_ids": [], "throttle": {"per_tenant_daily_exec_limit": -1}}`},
		{"zero slow_ms", `{"allowed_boot_ids": [], "policy": {"slow_ms": 0}}`},
		{"bad override key", `{"allowed_boot_ids": [], "override_pubkey_hex": "nothex"}`},
		{"kernels with non-string", `{"allowed_boot_ids": [], "kernels": {"run_code": 1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := manifest.Parse(json.RawMessage(tc.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, manifest.ErrMisconfigured)
		})
	}
}

func TestParse_CoreVersionConstraint(t *testing.T) {
	_, err := manifest.Parse(json.RawMessage(`{"allowed_boot_ids": [], "core_version": ">= 1.0.0"}`))
	require.NoError(t, err)

	_, err = manifest.Parse(json.RawMessage(`{"allowed_boot_ids": [], "core_version": ">= 99.0.0"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrMisconfigured)

	_, err = manifest.Parse(json.RawMessage(`{"allowed_boot_ids": [], "core_version": "not-a-constraint"}`))
	require.Error(t, err)
}

func TestFromRecord(t *testing.T) {
	r := &record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityManifest,
		Metadata:   json.RawMessage(`{"allowed_boot_ids": []}`),
	}
	m, err := manifest.FromRecord(r)
	require.NoError(t, err)
	assert.NotNil(t, m)

	r.EntityType = record.EntityFunction
	_, err = manifest.FromRecord(r)
	assert.ErrorIs(t, err, manifest.ErrMisconfigured)

	r.EntityType = record.EntityManifest
	r.Metadata = nil
	_, err = manifest.FromRecord(r)
	assert.ErrorIs(t, err, manifest.ErrMisconfigured)
}
