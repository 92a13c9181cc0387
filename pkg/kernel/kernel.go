// Package kernel implements the five native kernels: run_code, observer,
// request_worker, policy_agent, and provider_exec. Kernels ship as signed
// function records with language='native'; the ledger row is the unit of
// governance, the compiled implementation here is the dispatch target.
//
// Every kernel invocation receives a capability ctx and nothing else.
// Coordination across workers happens through advisory locks and the
// registry's uniqueness constraints, never shared memory.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/sandbox"
)

var (
	// ErrInvalidTarget — run_code was pointed at a missing or
	// non-function record.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrTenantMismatch — the target belongs to a different tenant than
	// the session.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrKernelUnavailable — a kernel's ledger row could not be loaded or
	// failed verification.
	ErrKernelUnavailable = errors.New("kernel unavailable")

	// ErrUnsupportedProvider — the provider record's base_url matches no
	// known provider family.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Kernel names as registered in the manifest's kernels map.
const (
	NameRunCode       = "run_code"
	NameObserver      = "observer"
	NameRequestWorker = "request_worker"
	NamePolicyAgent   = "policy_agent"
	NameProviderExec  = "provider_exec"
	NameStage0Loader  = "stage0_loader"
)

// Names lists every kernel seeded into the ledger at bootstrap.
var Names = []string{
	NameRunCode, NameObserver, NameRequestWorker,
	NamePolicyAgent, NameProviderExec, NameStage0Loader,
}

// Ctx variable keys bound into the capability bundle per invocation.
const (
	VarSpanID     = "SPAN_ID"
	VarProviderID = "PROVIDER_ID"
	VarTraceID    = "TRACE_ID"
)

// Runtime holds the shared machinery behind the native kernels. One Runtime
// per process; invocations are independent.
type Runtime struct {
	store     registry.Store
	manifests *manifest.Cache
	eval      *sandbox.Evaluator
	http      *http.Client
	log       *slog.Logger
	clock     func() time.Time
}

// NewRuntime wires the kernel runtime.
func NewRuntime(store registry.Store, manifests *manifest.Cache, eval *sandbox.Evaluator) *Runtime {
	return &Runtime{
		store:     store,
		manifests: manifests,
		eval:      eval,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       slog.Default().With("component", "kernel"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (rt *Runtime) WithClock(clock func() time.Time) *Runtime {
	rt.clock = clock
	return rt
}

// WithHTTPClient overrides the outbound client used by provider_exec.
func (rt *Runtime) WithHTTPClient(c *http.Client) *Runtime {
	rt.http = c
	return rt
}

func (rt *Runtime) now() time.Time {
	return rt.clock().UTC().Truncate(time.Millisecond)
}

// utcMidnight returns the start of t's UTC day, the window origin for the
// per-tenant daily quota.
func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// insertSealed stamps the row's identity and timestamp, seals it when the
// ctx carries a signer, and appends it. Sealing must come after the
// stamping: the hash covers owner, tenant, visibility, and at, so a row
// sealed before its defaults are final would never verify once persisted.
// Unsigned rows are permitted when the process holds no key.
func insertSealed(ctx context.Context, c *capability.Ctx, r *record.Record) error {
	c.Stamp(r)
	if signer := c.Env().Signer; signer != nil {
		if err := crypto.Seal(r, signer); err != nil {
			return err
		}
	}
	return c.InsertRecord(ctx, r)
}

// sandboxErr converts a sandbox failure into the structured error column
// value. Timeouts use the fixed message the slow-path contract expects.
func sandboxErr(err error) record.ErrObject {
	var se *sandbox.Error
	if errors.As(err, &se) {
		if se.Kind == sandbox.KindTimeout {
			return record.ErrObject{Kind: se.Kind, Message: "timeout"}
		}
		return record.ErrObject{Kind: se.Kind, Message: se.Detail}
	}
	return record.ErrObject{Kind: "internal", Message: err.Error()}
}

// loadKernelRow loads and verifies the ledger row registered for a kernel
// name. The row must be a native function whose code names the kernel.
func (rt *Runtime) loadKernelRow(ctx context.Context, sess registry.Session, name string) (*record.Record, error) {
	m, err := rt.manifests.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelUnavailable, err)
	}
	id, ok := m.KernelID(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s not in manifest", ErrKernelUnavailable, name)
	}
	row, err := rt.store.LatestByID(ctx, sess, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKernelUnavailable, name, err)
	}
	if row.EntityType != record.EntityFunction || row.Language != record.LanguageNative {
		return nil, fmt.Errorf("%w: %s row %s is not a native function", ErrKernelUnavailable, name, id)
	}
	if strings.TrimSpace(row.Code) != name {
		return nil, fmt.Errorf("%w: row %s dispatches %q, want %q", ErrKernelUnavailable, id, row.Code, name)
	}
	if err := crypto.VerifyRow(row); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKernelUnavailable, name, err)
	}
	return row, nil
}
