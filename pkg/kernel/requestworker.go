package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/record"
)

// requestBatchSize bounds one worker pass.
const requestBatchSize = 8

// DrainRequests pulls scheduled request records that have no status_patch
// yet and dispatches run_code on their parents. The run_code ledger row is
// loaded and verified first; the worker fails fast if it is unavailable.
// Returns the number of requests dispatched.
func (rt *Runtime) DrainRequests(ctx context.Context, c *capability.Ctx) (int, error) {
	if _, err := rt.loadKernelRow(ctx, c.Session(), NameRunCode); err != nil {
		return 0, err
	}

	requests, err := rt.store.PendingRequests(ctx, c.Session(), requestBatchSize)
	if err != nil {
		return 0, fmt.Errorf("select scheduled requests: %w", err)
	}

	dispatched := 0
	for i := range requests {
		req := &requests[i]
		if req.ParentID == "" {
			continue
		}
		done, err := rt.drainOne(ctx, c, req)
		if err != nil {
			rt.log.Error("request dispatch failed", "request_id", req.ID, "error", err)
			continue
		}
		if done {
			dispatched++
		}
	}
	return dispatched, nil
}

func (rt *Runtime) drainOne(ctx context.Context, c *capability.Ctx, req *record.Record) (bool, error) {
	got, err := rt.store.TryLock(ctx, req.ParentID)
	if err != nil {
		return false, fmt.Errorf("record lock: %w", err)
	}
	if !got {
		return false, nil
	}
	defer func() { _ = rt.store.Unlock(ctx, req.ParentID) }()

	bound := c.WithVar(VarSpanID, req.ParentID)
	if req.TraceID != "" {
		bound = bound.WithVar(VarTraceID, req.TraceID)
	}
	res, err := rt.runCode(ctx, bound, req.ParentID, true)
	if err != nil {
		return false, err
	}
	if res.Skipped {
		return false, nil
	}

	// The request never mutates; its lifecycle advances through
	// status_patch records referencing it.
	outcome := record.StatusComplete
	if res.Execution != nil && res.Execution.Status == record.StatusError {
		outcome = record.StatusError
	}
	if res.Violation != nil {
		outcome = record.StatusError
	}
	meta, _ := json.Marshal(map[string]string{"status": outcome})
	patch := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityStatusPatch,
		Did:        "dispatched",
		This:       NameRequestWorker,
		ParentID:   req.ID,
		RelatedTo:  []string{req.ID, req.ParentID},
		TraceID:    req.TraceID,
		Metadata:   meta,
	}
	if err := insertSealed(ctx, c, &patch); err != nil {
		return false, fmt.Errorf("insert status_patch: %w", err)
	}
	return true, nil
}
