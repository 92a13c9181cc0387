package kernel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
)

// seedID derives the id for a seed row from the signing key and the row's
// role. Re-running bootstrap with the same key rebuilds the same ids, so
// duplicates collide on (id, seq) instead of accumulating.
func seedID(signer crypto.Signer, role string) string {
	seed := "seed|" + signer.PublicKeyHex() + "|" + role
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// SeedKernels builds the signed function rows for every native kernel plus
// the initial manifest record registering them. Bootstrap inserts these
// once; later manifest rows supersede the seed by seq.
func SeedKernels(signer crypto.Signer, ownerID, tenantID string, allowedBootIDs []string, now time.Time) ([]record.Record, error) {
	if signer == nil {
		return nil, fmt.Errorf("seeding requires a signing key")
	}
	now = now.UTC().Truncate(time.Millisecond)

	kernels := make(map[string]string, len(Names))
	rows := make([]record.Record, 0, len(Names)+1)
	for _, name := range Names {
		r := record.Record{
			ID:          seedID(signer, "kernel:"+name),
			EntityType:  record.EntityFunction,
			Who:         "system:bootstrap",
			Did:         "seeded",
			This:        name,
			At:          now,
			OwnerID:     ownerID,
			TenantID:    tenantID,
			Visibility:  record.VisibilityPublic,
			Status:      record.StatusActive,
			Name:        name,
			Description: "native kernel dispatch target",
			Code:        name,
			Language:    record.LanguageNative,
		}
		if err := crypto.Seal(&r, signer); err != nil {
			return nil, fmt.Errorf("seal kernel %s: %w", name, err)
		}
		kernels[name] = r.ID
		rows = append(rows, r)
	}

	doc := manifest.Manifest{
		Kernels:        kernels,
		AllowedBootIDs: allowedBootIDs,
		Throttle:       manifest.Throttle{PerTenantDailyExecLimit: manifest.DefaultDailyExecLimit},
		Policy:         manifest.Policy{SlowMS: manifest.DefaultSlowMS},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	m := record.Record{
		ID:         seedID(signer, "manifest"),
		EntityType: record.EntityManifest,
		Who:        "system:bootstrap",
		Did:        "seeded",
		This:       "manifest",
		At:         now,
		OwnerID:    ownerID,
		TenantID:   tenantID,
		Visibility: record.VisibilityPublic,
		Status:     record.StatusActive,
		Name:       "manifest",
		Metadata:   raw,
	}
	if err := crypto.Seal(&m, signer); err != nil {
		return nil, fmt.Errorf("seal manifest: %w", err)
	}
	rows = append(rows, m)
	return rows, nil
}
