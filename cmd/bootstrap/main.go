// bootstrap initializes the registry schema and seeds the signed kernel
// rows plus the initial manifest. Safe to re-run: duplicate seeds collide
// on the append-only constraints and are reported, not fatal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/loglineos/core/pkg/config"
	"github.com/loglineos/core/pkg/credentials"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/kernel"
	"github.com/loglineos/core/pkg/registry"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	keyHex := cfg.SigningKeyHex
	if keyHex == "" {
		log.Fatal("SIGNING_KEY_HEX is required: kernel seed rows must be signed")
	}
	signer, err := crypto.NewEd25519SignerFromHex(keyHex)
	if err != nil {
		log.Fatalf("bad signing key: %v", err)
	}

	dialect := registry.DialectSQLite
	if strings.EqualFold(cfg.StoreDialect, "postgres") {
		dialect = registry.DialectPostgres
	}

	ctx := context.Background()
	src := credentials.StaticSource(cfg.StoreConnection)
	if cfg.CredentialsFile != "" {
		src = credentials.FileSource(cfg.CredentialsFile)
	}
	creds, err := credentials.NewCache(src, cfg.CredentialsCacheTTL).Current(ctx)
	if err != nil {
		log.Fatalf("resolve store credentials: %v", err)
	}

	log.Printf("[bootstrap] initializing %s schema...", dialect)
	store, err := registry.Open(ctx, dialect, creds.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	log.Println("[bootstrap] schema initialized")

	var allowedBootIDs []string
	if raw := os.Getenv("ALLOWED_BOOT_IDS"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if v := strings.TrimSpace(id); v != "" {
				allowedBootIDs = append(allowedBootIDs, v)
			}
		}
	}

	rows, err := kernel.SeedKernels(signer, cfg.AppUserID, cfg.AppTenantID, allowedBootIDs, time.Now())
	if err != nil {
		log.Fatalf("build seed rows: %v", err)
	}

	sess := registry.Session{UserID: cfg.AppUserID, TenantID: cfg.AppTenantID}
	seeded := 0
	for i := range rows {
		r := &rows[i]
		if err := store.Insert(ctx, sess, r); err != nil {
			if errors.Is(err, registry.ErrConflict) {
				log.Printf("[bootstrap] %s %s already present", r.EntityType, r.Name)
				continue
			}
			log.Fatalf("seed %s %s: %v", r.EntityType, r.Name, err)
		}
		seeded++
		log.Printf("[bootstrap] seeded %s %s (id=%s)", r.EntityType, r.Name, r.ID)
	}

	fmt.Printf("bootstrap complete: %d rows seeded, signer pubkey %s\n", seeded, signer.PublicKeyHex())
}
