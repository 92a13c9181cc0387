// loglined runs the core: the registry store, the Stage-0 loader, the
// kernel runtime, and the HTTP ingress.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loglineos/core/pkg/api"
	"github.com/loglineos/core/pkg/artifacts"
	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/config"
	"github.com/loglineos/core/pkg/credentials"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/kernel"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/observability"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/sandbox"
	"github.com/loglineos/core/pkg/stage0"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cmd := "server"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "server", "serve":
		os.Exit(runServer())
	case "verify":
		os.Exit(runVerify())
	case "help", "--help", "-h":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("Usage: loglined [server|verify|help]")
	fmt.Println("  server   run the core (default)")
	fmt.Println("  verify   walk the ledger and verify every sealed row")
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openStore(ctx context.Context, cfg *config.Config) (*registry.SQLStore, error) {
	dialect := registry.DialectSQLite
	if strings.EqualFold(cfg.StoreDialect, "postgres") {
		dialect = registry.DialectPostgres
	}

	src := credentials.StaticSource(cfg.StoreConnection)
	if cfg.CredentialsFile != "" {
		src = credentials.FileSource(cfg.CredentialsFile)
	}
	creds, err := credentials.NewCache(src, cfg.CredentialsCacheTTL).Current(ctx)
	if err != nil {
		return nil, err
	}
	return registry.Open(ctx, dialect, creds.DSN)
}

func runServer() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	initLogging(cfg.LogLevel)
	log := slog.Default().With("component", "loglined")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("store open failed", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "loglineos-core",
		Environment:  cfg.Environment,
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:     !cfg.Production(),
	})
	if err != nil {
		log.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	var signer crypto.Signer
	if cfg.SigningKeyHex != "" {
		signer, err = crypto.NewEd25519SignerFromHex(cfg.SigningKeyHex)
		if err != nil {
			log.Error("bad signing key", "error", err)
			return 1
		}
	} else {
		log.Warn("no signing key configured, kernel records will be unsigned")
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		log.Error("artifact store init failed", "error", err)
		return 1
	}

	eval, err := sandbox.New(sandbox.DefaultConfig(), blobs)
	if err != nil {
		log.Error("sandbox init failed", "error", err)
		return 1
	}

	sess := registry.Session{UserID: cfg.AppUserID, TenantID: cfg.AppTenantID}
	manifests := manifest.NewCache(store, sess, cfg.ManifestCacheTTL)
	kernels := kernel.NewRuntime(store, manifests, eval)
	loader := stage0.New(store, manifests, kernels, signer, cfg.Production())

	var idem api.IdempotencyStorer
	if cfg.RedisURL != "" {
		redisStore, err := api.NewRedisIdempotencyStore(cfg.RedisURL, 24*time.Hour)
		if err != nil {
			log.Error("redis idempotency init failed", "error", err)
			return 1
		}
		defer func() { _ = redisStore.Close() }()
		idem = redisStore
	} else {
		idem = api.NewIdempotencyStore(24 * time.Hour)
	}

	server := api.NewServer(store, loader, cfg.Production())
	handler := server.Handler(api.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		JWTSecret:        cfg.JWTSecret,
		RateRPS:          20,
		RateBurst:        40,
		IdempotencyStore: idem,
	})

	go runKernelLoops(ctx, cfg, store, kernels, signer, obs)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "port", cfg.Port, "dialect", cfg.StoreDialect, "environment", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// runKernelLoops drives the periodic kernels: observer, request worker,
// and policy agent. Each tick is one independent invocation; contention
// across replicas resolves through advisory locks.
func runKernelLoops(ctx context.Context, cfg *config.Config, store registry.Store, kernels *kernel.Runtime, signer crypto.Signer, obs *observability.Provider) {
	log := slog.Default().With("component", "kernel_loops")
	env := capability.Env{UserID: cfg.AppUserID, TenantID: cfg.AppTenantID, Signer: signer}

	observerTick := time.NewTicker(15 * time.Second)
	workerTick := time.NewTicker(5 * time.Second)
	policyTick := time.NewTicker(30 * time.Second)
	defer observerTick.Stop()
	defer workerTick.Stop()
	defer policyTick.Stop()

	invoke := func(name string, fn func(context.Context, *capability.Ctx) (int, error), c *capability.Ctx) {
		kctx, done := obs.TrackKernel(ctx, name)
		n, err := fn(kctx, c)
		done(err)
		if err != nil {
			log.Error("kernel pass failed", "kernel", name, "error", err)
			return
		}
		if n > 0 {
			log.Info("kernel pass", "kernel", name, "records", n)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-observerTick.C:
			invoke(kernel.NameObserver, kernels.Observe, capability.New(store, env))
		case <-workerTick.C:
			invoke(kernel.NameRequestWorker, kernels.DrainRequests, capability.New(store, env))
		case <-policyTick.C:
			invoke(kernel.NamePolicyAgent, kernels.EvaluatePolicies, capability.New(store, env))
		}
	}
}

func runVerify() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	initLogging(cfg.LogLevel)

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	sess := registry.Session{UserID: cfg.AppUserID, TenantID: cfg.AppTenantID}
	report, err := registry.VerifyLedger(ctx, store, sess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 1
	}
	fmt.Printf("rows=%d sealed=%d failures=%d\n", report.Rows, report.Sealed, len(report.Failures))
	for _, f := range report.Failures {
		fmt.Printf("  FAIL (%s, %d): %s\n", f.ID, f.Seq, f.Reason)
	}
	if !report.OK() {
		return 1
	}
	return 0
}
