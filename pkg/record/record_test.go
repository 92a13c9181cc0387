package record_test

import (
	"encoding/json"
	"testing"

	"github.com/loglineos/core/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() record.Record {
	return record.Record{
		ID:         record.NewID(),
		Seq:        0,
		EntityType: record.EntityFunction,
		Who:        "user:alice",
		OwnerID:    "user:alice",
		TenantID:   "acme",
		Visibility: record.VisibilityTenant,
	}
}

func TestValidate_AcceptsWellFormedRecord(t *testing.T) {
	r := validRecord()
	require.NoError(t, r.Validate())
}

func TestValidate_RejectsMalformedRows(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*record.Record)
	}{
		{"non-uuid id", func(r *record.Record) { r.ID = "not-a-uuid" }},
		{"negative seq", func(r *record.Record) { r.Seq = -1 }},
		{"unknown visibility", func(r *record.Record) { r.Visibility = "everyone" }},
		{"missing entity_type", func(r *record.Record) { r.EntityType = "" }},
		{"missing owner", func(r *record.Record) { r.OwnerID = "" }},
		{"malformed tenant", func(r *record.Record) { r.TenantID = "Not A Tenant!" }},
		{"non-uuid parent", func(r *record.Record) { r.ParentID = "parent" }},
		{"non-uuid related_to", func(r *record.Record) { r.RelatedTo = []string{"x"} }},
		{"hash without signature", func(r *record.Record) { r.CurrHash = "abc" }},
		{"signature without hash", func(r *record.Record) { r.Signature = "abc" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecord()
			tc.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, record.ErrInvariant)
		})
	}
}

func TestVisibility_Valid(t *testing.T) {
	assert.True(t, record.VisibilityPrivate.Valid())
	assert.True(t, record.VisibilityTenant.Valid())
	assert.True(t, record.VisibilityPublic.Valid())
	assert.False(t, record.Visibility("").Valid())
	assert.False(t, record.Visibility("shared").Valid())
}

func TestProofHelpers(t *testing.T) {
	r := validRecord()
	assert.False(t, r.HasProof())
	assert.False(t, r.IncompleteProof())

	r.CurrHash = "aa"
	assert.False(t, r.HasProof())
	assert.True(t, r.IncompleteProof())

	r.Signature = "bb"
	assert.True(t, r.HasProof())
	assert.False(t, r.IncompleteProof())
}

func TestMeta_EmptyAndPopulated(t *testing.T) {
	r := validRecord()
	m, err := r.Meta()
	require.NoError(t, err)
	assert.Empty(t, m)

	r.Metadata = json.RawMessage(`{"force": true, "note": "x"}`)
	m, err = r.Meta()
	require.NoError(t, err)
	assert.Equal(t, true, m["force"])
	assert.Equal(t, "x", m["note"])

	r.Metadata = json.RawMessage(`[1,2]`)
	_, err = r.Meta()
	require.Error(t, err)
}

func TestRelatedToSet(t *testing.T) {
	r := validRecord()
	a, b := record.NewID(), record.NewID()
	r.RelatedTo = []string{a, b, a}
	set := r.RelatedToSet()
	assert.Len(t, set, 2)
	assert.True(t, set[a])
	assert.True(t, set[b])
}

func TestMarshalErr(t *testing.T) {
	raw := record.MarshalErr(record.ErrObject{Kind: "timeout", Message: "timeout"})
	var decoded record.ErrObject
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "timeout", decoded.Kind)
	assert.Equal(t, "timeout", decoded.Message)
}

func TestIDHelpers(t *testing.T) {
	assert.True(t, record.ValidUUID(record.NewID()))
	assert.True(t, record.ValidUUID(record.NewTraceID()))
	assert.False(t, record.ValidUUID("nope"))

	assert.True(t, record.ValidUserID("user:alice"))
	assert.True(t, record.ValidUserID("edge:stage0"))
	assert.False(t, record.ValidUserID(""))
	assert.False(t, record.ValidUserID("has spaces"))

	assert.True(t, record.ValidTenantID("acme-corp"))
	assert.False(t, record.ValidTenantID("UPPER"))
	assert.False(t, record.ValidTenantID(""))
}
