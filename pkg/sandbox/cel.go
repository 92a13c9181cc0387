package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/loglineos/core/pkg/record"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// celRunner evaluates CEL expressions with a per-expression program cache.
// Programs are pure and reusable; the cache is keyed by source text.
type celRunner struct {
	env   *cel.Env
	cfg   Config
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELRunner(cfg Config) (*celRunner, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("record", cel.DynType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celRunner{env: env, cfg: cfg, cache: make(map[string]cel.Program)}, nil
}

func (r *celRunner) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.cache[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, hit = r.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Kind: KindCompile, Detail: issues.Err().Error()}
	}
	prg, err := r.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(r.cfg.CELCostLimit),
	)
	if err != nil {
		return nil, &Error{Kind: KindCompile, Detail: err.Error()}
	}
	r.cache[expr] = prg
	return prg, nil
}

func (r *celRunner) run(ctx context.Context, target *record.Record, input json.RawMessage) (json.RawMessage, error) {
	prg, err := r.program(target.Code)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{
		"input":  decodeDyn(input),
		"record": recordVars(target),
		"now":    nowFromCtx(ctx),
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Detail: "evaluation exceeded time limit"}
		}
		return nil, &Error{Kind: KindRuntime, Detail: err.Error()}
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("result not JSON-convertible: %v", err)}
	}
	encoded, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("encode result: %v", err)}
	}
	if len(encoded) > r.cfg.OutputMaxBytes {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("output size %d exceeds limit %d", len(encoded), r.cfg.OutputMaxBytes)}
	}
	return encoded, nil
}

// evalPolicy evaluates a policy expression against a candidate record. The
// expression sees the candidate as "record" and must produce a list of
// action maps; a non-list result is a runtime error.
func (r *celRunner) evalPolicy(ctx context.Context, policy *record.Record, candidate *record.Record) ([]Action, error) {
	prg, err := r.program(policy.Code)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{
		"input":  decodeDyn(policy.Input),
		"record": recordVars(candidate),
		"now":    nowFromCtx(ctx),
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Detail: "policy evaluation exceeded time limit"}
		}
		return nil, &Error{Kind: KindRuntime, Detail: err.Error()}
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("policy result not JSON-convertible: %v", err)}
	}
	encoded, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("encode policy result: %v", err)}
	}

	var actions []Action
	if err := json.Unmarshal(encoded, &actions); err != nil {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("policy must return a list of actions: %v", err)}
	}
	return actions, nil
}

// decodeDyn turns raw JSON into the dynamic value CEL sees. Invalid or
// absent JSON becomes null rather than failing the evaluation.
func decodeDyn(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// recordVars projects the fields policy and function code may inspect.
func recordVars(r *record.Record) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":          r.ID,
		"seq":         r.Seq,
		"entity_type": string(r.EntityType),
		"who":         r.Who,
		"did":         r.Did,
		"this":        r.This,
		"status":      r.Status,
		"owner_id":    r.OwnerID,
		"tenant_id":   r.TenantID,
		"visibility":  string(r.Visibility),
		"parent_id":   r.ParentID,
		"trace_id":    r.TraceID,
		"name":        r.Name,
		"input":       decodeDyn(r.Input),
		"output":      decodeDyn(r.Output),
		"metadata":    decodeDyn(r.Metadata),
	}
}
