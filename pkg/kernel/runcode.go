package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// RunResult is the outcome of one run_code dispatch. Exactly one of the
// three shapes holds: an execution was recorded, a quota violation was
// recorded, or the invocation yielded to a contending worker.
type RunResult struct {
	Execution *record.Record
	Violation *record.Record
	Skipped   bool
}

// RunCode executes the function record bound as SPAN_ID in the ctx. It
// refuses non-function targets and cross-tenant execution, enforces the
// per-tenant daily quota under the throttle lock, and emits exactly one
// signed execution record per successful dispatch.
func (rt *Runtime) RunCode(ctx context.Context, c *capability.Ctx) (*RunResult, error) {
	spanID, ok := c.Var(VarSpanID)
	if !ok || spanID == "" {
		return nil, fmt.Errorf("%w: no SPAN_ID bound", ErrInvalidTarget)
	}
	return rt.runCode(ctx, c, spanID, false)
}

// runCode is the shared body. lockHeld is true when the caller (the request
// worker) already owns the per-record advisory lock for spanID.
func (rt *Runtime) runCode(ctx context.Context, c *capability.Ctx, spanID string, lockHeld bool) (*RunResult, error) {
	sess := c.Session()

	target, err := rt.store.LatestByID(ctx, sess, spanID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, spanID)
		}
		return nil, err
	}
	if target.EntityType != record.EntityFunction {
		return nil, fmt.Errorf("%w: %s is %s, not function", ErrInvalidTarget, spanID, target.EntityType)
	}
	if target.TenantID != sess.TenantID {
		return nil, fmt.Errorf("%w: target tenant %q, session tenant %q", ErrTenantMismatch, target.TenantID, sess.TenantID)
	}

	m, err := rt.manifests.Current(ctx)
	if err != nil {
		return nil, err
	}

	if res, err := rt.checkQuota(ctx, c, target, m); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	if !lockHeld {
		got, err := rt.store.TryLock(ctx, spanID)
		if err != nil {
			return nil, fmt.Errorf("record lock: %w", err)
		}
		if !got {
			return &RunResult{Skipped: true}, nil
		}
		defer func() { _ = rt.store.Unlock(ctx, spanID) }()
	}

	slowMS := m.Policy.SlowMS
	start := c.Now()
	output, runErr := rt.eval.Run(ctx, target, target.Input, time.Duration(slowMS)*time.Millisecond)
	durationMS := c.Now().Sub(start).Milliseconds()

	exec := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityExecution,
		Did:        "executed",
		This:       NameRunCode,
		ParentID:   target.ID,
		RelatedTo:  []string{target.ID},
		Status:     record.StatusComplete,
		Input:      target.Input,
		Output:     output,
		DurationMS: durationMS,
		TraceID:    traceID(c),
	}
	if runErr != nil {
		exec.Status = record.StatusError
		exec.Output = nil
		exec.Error = record.MarshalErr(sandboxErr(runErr))
	}

	// A completed execution that ran past the slow threshold gets its
	// status_patch before the execution row.
	if runErr == nil && durationMS > slowMS {
		patch := record.Record{
			ID:         record.NewID(),
			EntityType: record.EntityStatusPatch,
			Did:        "flagged",
			This:       NameRunCode,
			ParentID:   target.ID,
			RelatedTo:  []string{target.ID},
			TraceID:    exec.TraceID,
			Metadata:   json.RawMessage(`{"status":"slow"}`),
		}
		if err := insertSealed(ctx, c, &patch); err != nil {
			return nil, fmt.Errorf("insert status_patch: %w", err)
		}
	}

	if err := insertSealed(ctx, c, &exec); err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return &RunResult{Execution: &exec}, nil
}

// checkQuota reads today's execution count for the session tenant under the
// tenant throttle lock. The lock serializes the reads so N contenders
// cannot all observe count = limit-1; it is released before execution
// starts, so a tenant's runs do not serialize on the sandbox. A non-nil
// result stops the invocation here: Skipped on lock contention, Violation
// when over quota without a signed override.
func (rt *Runtime) checkQuota(ctx context.Context, c *capability.Ctx, target *record.Record, m *manifest.Manifest) (*RunResult, error) {
	sess := c.Session()
	throttleKey := "throttle:" + sess.TenantID
	got, err := rt.store.TryLock(ctx, throttleKey)
	if err != nil {
		return nil, fmt.Errorf("throttle lock: %w", err)
	}
	if !got {
		_ = c.Sleep(ctx, 100*time.Millisecond)
		return &RunResult{Skipped: true}, nil
	}
	defer func() { _ = rt.store.Unlock(ctx, throttleKey) }()

	count, err := rt.store.CountTenantExecutionsSince(ctx, sess.TenantID, utcMidnight(c.Now()))
	if err != nil {
		return nil, fmt.Errorf("quota count: %w", err)
	}
	limit := m.Throttle.PerTenantDailyExecLimit
	if count < limit || signedOverride(target, m) {
		return nil, nil
	}
	violation, err := rt.emitQuotaViolation(ctx, c, target, count, limit)
	if err != nil {
		return nil, err
	}
	return &RunResult{Violation: violation}, nil
}

// signedOverride reports whether the target carries a valid admin override:
// metadata.force is true, the target's public key is the manifest's
// override key, and the row's envelope verifies.
func signedOverride(target *record.Record, m *manifest.Manifest) bool {
	if m.OverridePubkeyHex == "" || target.PublicKey == "" {
		return false
	}
	if !strings.EqualFold(target.PublicKey, m.OverridePubkeyHex) {
		return false
	}
	meta, err := target.Meta()
	if err != nil {
		return false
	}
	force, _ := meta["force"].(bool)
	if !force {
		return false
	}
	return crypto.VerifyRow(target) == nil
}

func (rt *Runtime) emitQuotaViolation(ctx context.Context, c *capability.Ctx, target *record.Record, count, limit int) (*record.Record, error) {
	detail, _ := json.Marshal(map[string]any{
		"rule":  "per_tenant_daily_exec_limit",
		"count": count,
		"limit": limit,
	})
	violation := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityPolicyViolation,
		Did:        "blocked",
		This:       NameRunCode,
		ParentID:   target.ID,
		RelatedTo:  []string{target.ID},
		Status:     record.StatusError,
		TraceID:    traceID(c),
		Metadata:   detail,
	}
	if err := insertSealed(ctx, c, &violation); err != nil {
		return nil, fmt.Errorf("insert policy_violation: %w", err)
	}
	rt.log.Warn("tenant over daily execution quota",
		"tenant_id", c.Session().TenantID, "count", count, "limit", limit, "target", target.ID)
	return &violation, nil
}

// traceID reads the bound trace id or mints a new one.
func traceID(c *capability.Ctx) string {
	if id, ok := c.Var(VarTraceID); ok && id != "" {
		return id
	}
	return record.NewTraceID()
}
