// Package stage0 is the only trusted out-of-ledger code path: it validates
// a boot request, gates it through the manifest, verifies the target
// function row, records the boot_event, and hands off to the kernels.
// Everything it launches is ledger data.
package stage0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/kernel"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

var (
	// ErrValidation — the boot request failed format checks.
	ErrValidation = errors.New("validation failed")

	// ErrBootNotAllowed — the manifest's allowed_boot_ids does not list
	// the requested function.
	ErrBootNotAllowed = errors.New("boot not allowed")

	// ErrFunctionNotFound — the allowed id has no function row.
	ErrFunctionNotFound = errors.New("function not found")
)

// BootRequest is the loader input.
type BootRequest struct {
	BootFunctionID string `json:"boot_function_id"`
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
}

// Validate applies the boot request format checks.
func (r *BootRequest) Validate() error {
	if !record.ValidUUID(r.BootFunctionID) {
		return fmt.Errorf("%w: boot_function_id is not a UUID", ErrValidation)
	}
	if !record.ValidUserID(r.UserID) {
		return fmt.Errorf("%w: bad user_id", ErrValidation)
	}
	if r.TenantID != "" && !record.ValidTenantID(r.TenantID) {
		return fmt.Errorf("%w: bad tenant_id", ErrValidation)
	}
	return nil
}

// ExecutionSummary is the outcome block of a boot response.
type ExecutionSummary struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

// BootResult is the loader response body.
type BootResult struct {
	BootEventID string            `json:"boot_event_id"`
	FunctionID  string            `json:"function_id"`
	Execution   *ExecutionSummary `json:"execution,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
}

// Loader drives one boot invocation at a time; many may run concurrently.
type Loader struct {
	store      registry.Store
	manifests  *manifest.Cache
	kernels    *kernel.Runtime
	signer     crypto.Signer
	production bool
	log        *slog.Logger
	clock      func() time.Time
}

// New wires a loader. signer may be nil; boot events are then unsigned.
func New(store registry.Store, manifests *manifest.Cache, kernels *kernel.Runtime, signer crypto.Signer, production bool) *Loader {
	return &Loader{
		store:      store,
		manifests:  manifests,
		kernels:    kernels,
		signer:     signer,
		production: production,
		log:        slog.Default().With("component", "stage0"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (l *Loader) WithClock(clock func() time.Time) *Loader {
	l.clock = clock
	return l
}

// Boot runs the loader algorithm. Failures before the boot_event leave no
// side effect; failures after it are recorded outcomes, not protocol
// failures.
func (l *Loader) Boot(ctx context.Context, req BootRequest) (*BootResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess := registry.Session{UserID: req.UserID, TenantID: req.TenantID}

	m, err := l.manifests.Current(ctx)
	if err != nil {
		if l.production {
			if errors.Is(err, manifest.ErrMisconfigured) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", manifest.ErrUnavailable, err)
		}
		l.log.Warn("no manifest available, boot gate skipped", "boot_function_id", req.BootFunctionID, "error", err)
		m = nil
	}
	if m != nil && !m.AllowsBoot(req.BootFunctionID) {
		return nil, fmt.Errorf("%w: %s", ErrBootNotAllowed, req.BootFunctionID)
	}

	fn, err := l.store.LatestByID(ctx, sess, req.BootFunctionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, req.BootFunctionID)
		}
		return nil, err
	}
	if fn.EntityType != record.EntityFunction {
		return nil, fmt.Errorf("%w: %s is %s", ErrFunctionNotFound, req.BootFunctionID, fn.EntityType)
	}
	if err := crypto.VerifyRow(fn); err != nil {
		return nil, err
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = record.NewTraceID()
	}

	start := l.clock().UTC().Truncate(time.Millisecond)
	bootEvent, err := l.emitBootEvent(ctx, sess, req, traceID, start)
	if err != nil {
		return nil, err
	}

	c := capability.New(l.store, capability.Env{
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Signer:   l.signer,
	}).WithClock(l.clock)
	c = c.WithVar(kernel.VarTraceID, traceID)

	summary := l.execute(ctx, c, fn)

	result := &BootResult{
		BootEventID: bootEvent.ID,
		FunctionID:  fn.ID,
		Execution:   summary,
		DurationMS:  l.clock().UTC().Sub(start).Milliseconds(),
	}
	return result, nil
}

// execute dispatches the verified boot target. Kernel rows run their native
// implementation; everything else goes through run_code. Errors at this
// stage are recorded outcomes and never fail the boot.
func (l *Loader) execute(ctx context.Context, c *capability.Ctx, fn *record.Record) *ExecutionSummary {
	if fn.Language == record.LanguageNative {
		return l.executeNative(ctx, c, fn)
	}

	res, err := l.kernels.RunCode(ctx, c.WithVar(kernel.VarSpanID, fn.ID))
	if err != nil {
		l.log.Error("run_code failed", "function_id", fn.ID, "error", err)
		return &ExecutionSummary{Status: record.StatusError}
	}
	switch {
	case res.Execution != nil:
		return &ExecutionSummary{Status: res.Execution.Status, Output: res.Execution.Output}
	case res.Violation != nil:
		return &ExecutionSummary{Status: record.StatusError}
	default:
		return &ExecutionSummary{Status: record.StatusScheduled}
	}
}

func (l *Loader) executeNative(ctx context.Context, c *capability.Ctx, fn *record.Record) *ExecutionSummary {
	var err error
	switch fn.Code {
	case kernel.NameObserver:
		_, err = l.kernels.Observe(ctx, c)
	case kernel.NameRequestWorker:
		_, err = l.kernels.DrainRequests(ctx, c)
	case kernel.NamePolicyAgent:
		_, err = l.kernels.EvaluatePolicies(ctx, c)
	case kernel.NameProviderExec:
		return l.executeProvider(ctx, c, fn)
	default:
		err = fmt.Errorf("kernel %q is not bootable", fn.Code)
	}
	if err != nil {
		l.log.Error("native kernel failed", "kernel", fn.Code, "error", err)
		return &ExecutionSummary{Status: record.StatusError}
	}
	return &ExecutionSummary{Status: record.StatusComplete}
}

// executeProvider boots the provider_exec kernel. The boot target's input
// names the provider and carries the outbound payload.
func (l *Loader) executeProvider(ctx context.Context, c *capability.Ctx, fn *record.Record) *ExecutionSummary {
	var in struct {
		ProviderID string          `json:"provider_id"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}
	if len(fn.Input) > 0 {
		if err := json.Unmarshal(fn.Input, &in); err != nil {
			l.log.Error("bad provider boot input", "function_id", fn.ID, "error", err)
			return &ExecutionSummary{Status: record.StatusError}
		}
	}
	exec, err := l.kernels.ProviderExec(ctx, c.WithVar(kernel.VarProviderID, in.ProviderID), in.Payload)
	if err != nil {
		l.log.Error("provider_exec failed", "function_id", fn.ID, "error", err)
		return &ExecutionSummary{Status: record.StatusError}
	}
	return &ExecutionSummary{Status: exec.Status, Output: exec.Output}
}

func (l *Loader) emitBootEvent(ctx context.Context, sess registry.Session, req BootRequest, traceID string, at time.Time) (*record.Record, error) {
	input, _ := json.Marshal(map[string]string{
		"boot_function_id": req.BootFunctionID,
		"user_id":          req.UserID,
		"tenant_id":        req.TenantID,
		"trace_id":         traceID,
	})
	ev := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityBootEvent,
		Who:        "edge:stage0",
		Did:        "booted",
		This:       "stage0",
		At:         at,
		OwnerID:    sess.UserID,
		TenantID:   sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusComplete,
		RelatedTo:  []string{req.BootFunctionID},
		Input:      input,
		TraceID:    traceID,
	}
	if sess.TenantID == "" {
		ev.Visibility = record.VisibilityPrivate
	}
	if l.signer != nil {
		if err := crypto.Seal(&ev, l.signer); err != nil {
			return nil, err
		}
	}
	if err := l.store.Insert(ctx, sess, &ev); err != nil {
		return nil, fmt.Errorf("insert boot_event: %w", err)
	}
	return &ev, nil
}
