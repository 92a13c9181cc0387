package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// observerBatchSize bounds one observer pass.
const observerBatchSize = 16

// Observe turns scheduled function records into request records, oldest
// first. The partial unique index on scheduled requests makes the insert
// idempotent: a concurrent observer scheduling the same function loses with
// a conflict, which is swallowed as a no-op. Returns the number of requests
// actually persisted.
func (rt *Runtime) Observe(ctx context.Context, c *capability.Ctx) (int, error) {
	m, err := rt.manifests.Current(ctx)
	if err != nil {
		return 0, err
	}

	pending, err := rt.store.Select(ctx, c.Session(), registry.Query{
		EntityType:  record.EntityFunction,
		Status:      record.StatusScheduled,
		OldestFirst: true,
		Limit:       observerBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("select scheduled functions: %w", err)
	}

	scheduled := 0
	for i := range pending {
		fn := &pending[i]
		n, err := rt.observeOne(ctx, c, fn, m.Throttle.PerTenantDailyExecLimit)
		if err != nil {
			return scheduled, err
		}
		scheduled += n
	}
	return scheduled, nil
}

func (rt *Runtime) observeOne(ctx context.Context, c *capability.Ctx, fn *record.Record, limit int) (int, error) {
	got, err := rt.store.TryLock(ctx, fn.ID)
	if err != nil {
		return 0, fmt.Errorf("record lock: %w", err)
	}
	if !got {
		return 0, nil
	}
	defer func() { _ = rt.store.Unlock(ctx, fn.ID) }()

	count, err := rt.store.CountTenantExecutionsSince(ctx, fn.TenantID, utcMidnight(c.Now()))
	if err != nil {
		return 0, fmt.Errorf("quota count: %w", err)
	}
	if count >= limit {
		if _, err := rt.emitQuotaViolation(ctx, c, fn, count, limit); err != nil {
			return 0, err
		}
		return 0, nil
	}

	req := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityRequest,
		Did:        "scheduled",
		This:       NameRunCode,
		ParentID:   fn.ID,
		RelatedTo:  []string{fn.ID},
		Status:     record.StatusScheduled,
		TraceID:    record.NewTraceID(),
	}
	if err := insertSealed(ctx, c, &req); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			// Another observer already scheduled this function.
			return 0, nil
		}
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return 1, nil
}
