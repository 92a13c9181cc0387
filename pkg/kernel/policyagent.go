package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/sandbox"
)

const (
	// policyBatchSize bounds the candidate scan per policy per run.
	policyBatchSize = 500

	// policyEvalTimeout is the hard cap for one policy evaluation.
	policyEvalTimeout = 3 * time.Second

	// cursorTimeFormat is how metadata.last_at is stored on cursor rows.
	cursorTimeFormat = time.RFC3339Nano
)

// EvaluatePolicies runs every active policy against the visible records
// newer than that policy's cursor, oldest first. Emitted action records
// carry content-addressed ids, so a re-run over the same cursor and inputs
// collides on (id, seq) and degrades to a no-op. Returns the number of
// action records persisted.
func (rt *Runtime) EvaluatePolicies(ctx context.Context, c *capability.Ctx) (int, error) {
	policies, err := rt.activePolicies(ctx, c.Session())
	if err != nil {
		return 0, err
	}

	emitted := 0
	for i := range policies {
		n, err := rt.runPolicy(ctx, c, &policies[i])
		if err != nil {
			rt.log.Error("policy run failed", "policy_id", policies[i].ID, "error", err)
			continue
		}
		emitted += n
	}
	return emitted, nil
}

// activePolicies returns the latest revision of each visible active policy.
func (rt *Runtime) activePolicies(ctx context.Context, sess registry.Session) ([]record.Record, error) {
	rows, err := rt.store.Select(ctx, sess, registry.Query{
		EntityType:  record.EntityPolicy,
		Status:      record.StatusActive,
		OldestFirst: true,
		Limit:       policyBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("select policies: %w", err)
	}
	latest := make(map[string]int, len(rows))
	var out []record.Record
	for _, row := range rows {
		if at, seen := latest[row.ID]; seen {
			if row.Seq > out[at].Seq {
				out[at] = row
			}
			continue
		}
		latest[row.ID] = len(out)
		out = append(out, row)
	}
	return out, nil
}

func (rt *Runtime) runPolicy(ctx context.Context, c *capability.Ctx, policy *record.Record) (int, error) {
	cursor, err := rt.cursorFor(ctx, c.Session(), policy.ID)
	if err != nil {
		return 0, err
	}

	candidates, err := rt.candidatesSince(ctx, c, policy, cursor)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	emitted := 0
	var lastAt time.Time
	for i := range candidates {
		s := &candidates[i]
		lastAt = s.At

		actions, err := rt.eval.EvalPolicy(ctx, policy, s, policyEvalTimeout)
		if err != nil {
			if insErr := rt.emitPolicyError(ctx, c, policy, s, err); insErr != nil {
				return emitted, insErr
			}
			continue
		}
		for idx := range actions {
			n, err := rt.applyAction(ctx, c, policy, s, idx, actions[idx])
			if err != nil {
				return emitted, err
			}
			emitted += n
		}
	}

	if err := rt.advanceCursor(ctx, c, policy, lastAt); err != nil {
		return emitted, err
	}
	return emitted, nil
}

// cursorFor reads the newest cursor row for a policy and decodes its
// metadata.last_at. A policy with no cursor starts from the beginning.
func (rt *Runtime) cursorFor(ctx context.Context, sess registry.Session, policyID string) (time.Time, error) {
	rows, err := rt.store.Select(ctx, sess, registry.Query{
		EntityType: record.EntityPolicyCursor,
		RelatedTo:  policyID,
		Limit:      1,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("select cursor: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	meta, err := rows[0].Meta()
	if err != nil {
		return time.Time{}, fmt.Errorf("decode cursor metadata: %w", err)
	}
	raw, _ := meta["last_at"].(string)
	if raw == "" {
		return time.Time{}, nil
	}
	last, err := time.Parse(cursorTimeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor last_at %q: %w", raw, err)
	}
	return last, nil
}

// candidatesSince scans the policy's tenant for records newer than the
// cursor. Rows the agent itself emits (cursors, evaluation errors) are
// excluded so a run never feeds on its own output.
func (rt *Runtime) candidatesSince(ctx context.Context, c *capability.Ctx, policy *record.Record, cursor time.Time) ([]record.Record, error) {
	since := cursor.UTC().Format(registry.TimeLayout)
	var (
		cond string
		args []any
	)
	if policy.TenantID != "" {
		cond = `"when" > ? AND tenant_id = ? AND entity_type NOT IN (?, ?)`
		args = []any{since, policy.TenantID, string(record.EntityPolicyCursor), string(record.EntityPolicyError)}
	} else {
		cond = `"when" > ? AND entity_type NOT IN (?, ?)`
		args = []any{since, string(record.EntityPolicyCursor), string(record.EntityPolicyError)}
	}
	rows, err := c.SQL(ctx, cond, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(rows) > policyBatchSize {
		rows = rows[:policyBatchSize]
	}
	return rows, nil
}

func (rt *Runtime) applyAction(ctx context.Context, c *capability.Ctx, policy, source *record.Record, idx int, action sandbox.Action) (int, error) {
	switch {
	case action.Run == NameRunCode && action.SpanID != "":
		req := record.Record{
			ID:         actionID(policy.ID, source.ID, idx, "run"),
			EntityType: record.EntityRequest,
			Did:        "scheduled",
			This:       NameRunCode,
			ParentID:   action.SpanID,
			RelatedTo:  []string{action.SpanID, policy.ID, source.ID},
			Status:     record.StatusScheduled,
			TraceID:    source.TraceID,
		}
		if req.TraceID == "" {
			req.TraceID = record.NewTraceID()
		}
		return rt.insertAction(ctx, c, &req)

	case action.EmitSpan != nil:
		raw, err := json.Marshal(action.EmitSpan)
		if err != nil {
			return 0, fmt.Errorf("encode emit_span: %w", err)
		}
		var span record.Record
		if err := json.Unmarshal(raw, &span); err != nil {
			return 0, fmt.Errorf("decode emit_span: %w", err)
		}
		// System-set identity fields; the policy controls the payload.
		span.ID = actionID(policy.ID, source.ID, idx, "emit_span")
		span.Seq = 0
		span.At = time.Time{}
		span.OwnerID = ""
		span.Who = ""
		span.RelatedTo = appendMissing(span.RelatedTo, policy.ID, source.ID)
		return rt.insertAction(ctx, c, &span)

	default:
		rt.log.Warn("unrecognized policy action dropped", "policy_id", policy.ID, "source_id", source.ID)
		return 0, nil
	}
}

func (rt *Runtime) insertAction(ctx context.Context, c *capability.Ctx, r *record.Record) (int, error) {
	if err := insertSealed(ctx, c, r); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			// Same action emitted by a previous run over this cursor.
			return 0, nil
		}
		return 0, fmt.Errorf("insert action record: %w", err)
	}
	return 1, nil
}

func (rt *Runtime) emitPolicyError(ctx context.Context, c *capability.Ctx, policy, source *record.Record, evalErr error) error {
	perr := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityPolicyError,
		Did:        "failed",
		This:       NamePolicyAgent,
		ParentID:   policy.ID,
		RelatedTo:  []string{policy.ID, source.ID},
		Status:     record.StatusError,
		Error:      record.MarshalErr(sandboxErr(evalErr)),
	}
	if err := insertSealed(ctx, c, &perr); err != nil {
		return fmt.Errorf("insert policy_error: %w", err)
	}
	return nil
}

func (rt *Runtime) advanceCursor(ctx context.Context, c *capability.Ctx, policy *record.Record, lastAt time.Time) error {
	meta, _ := json.Marshal(map[string]string{
		"last_at": lastAt.UTC().Format(cursorTimeFormat),
	})
	cur := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityPolicyCursor,
		Did:        "advanced",
		This:       NamePolicyAgent,
		ParentID:   policy.ID,
		RelatedTo:  []string{policy.ID},
		Metadata:   meta,
	}
	if err := insertSealed(ctx, c, &cur); err != nil {
		return fmt.Errorf("insert policy_cursor: %w", err)
	}
	return nil
}

// actionID derives a deterministic id from the policy, the source record,
// and the action's position, so replays collide instead of duplicating.
func actionID(policyID, sourceID string, idx int, kind string) string {
	seed := fmt.Sprintf("%s|%s|%d|%s", policyID, sourceID, idx, kind)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func appendMissing(set []string, ids ...string) []string {
	have := make(map[string]bool, len(set))
	for _, id := range set {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			set = append(set, id)
			have[id] = true
		}
	}
	return set
}
