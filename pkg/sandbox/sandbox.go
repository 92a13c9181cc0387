// Package sandbox isolates record-resident code. Two evaluators share one
// contract — hard timeout, resource caps, no ambient I/O, ctx-only
// capabilities:
//
//   - language='cel':  a CEL expression with cost and interrupt limits
//   - language='wasm': a WASI module under wazero with a memory cap
//
// Compile failures surface as kind='compile', execution failures as
// kind='runtime', and deadline hits as kind='timeout'.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loglineos/core/pkg/artifacts"
	"github.com/loglineos/core/pkg/record"
)

// Error kinds.
const (
	KindCompile = "compile"
	KindRuntime = "runtime"
	KindTimeout = "timeout"
)

// Error is the structured sandbox failure stored in a record's error column.
type Error struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s error: %s", e.Kind, e.Detail)
}

// IsTimeout reports whether err is a sandbox deadline hit.
func IsTimeout(err error) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == KindTimeout
}

// Config bounds every execution.
type Config struct {
	Timeout          time.Duration
	MemoryLimitBytes int64
	OutputMaxBytes   int
	CELCostLimit     uint64
}

// DefaultConfig matches the manifest default slow_ms of 5000.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		MemoryLimitBytes: 64 << 20,
		OutputMaxBytes:   1 << 20,
		CELCostLimit:     1_000_000,
	}
}

// Evaluator runs function and policy code. One evaluator serves many
// invocations; each Run is independently bounded.
type Evaluator struct {
	cfg   Config
	cel   *celRunner
	blobs artifacts.Store
}

// New builds an evaluator. blobs may be nil when no wasm functions exist;
// running a wasm record then fails with a runtime error.
func New(cfg Config, blobs artifacts.Store) (*Evaluator, error) {
	cr, err := newCELRunner(cfg)
	if err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg, cel: cr, blobs: blobs}, nil
}

// Run executes target's code against input, bounded by timeout (or the
// evaluator default when timeout is zero). The returned bytes are the
// JSON-encoded output.
func (e *Evaluator) Run(ctx context.Context, target *record.Record, input json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch target.Language {
	case record.LanguageCEL, "":
		return e.cel.run(runCtx, target, input)
	case record.LanguageWASM:
		return e.runWASM(runCtx, target, input)
	default:
		return nil, &Error{Kind: KindCompile, Detail: fmt.Sprintf("unsupported language %q", target.Language)}
	}
}

// EvalPolicy compiles and evaluates a policy expression against a candidate
// record, returning the action list the policy emitted.
func (e *Evaluator) EvalPolicy(ctx context.Context, policy *record.Record, candidate *record.Record, timeout time.Duration) ([]Action, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.cel.evalPolicy(runCtx, policy, candidate)
}

type nowKey struct{}

// WithNow pins the timestamp code observes as "now". Used by tests and by
// kernels that stamp a whole batch with one clock reading.
func WithNow(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, nowKey{}, t)
}

func nowFromCtx(ctx context.Context) time.Time {
	if t, ok := ctx.Value(nowKey{}).(time.Time); ok {
		return t
	}
	return time.Now().UTC()
}

// Action is one policy-emitted action object.
type Action struct {
	// Run schedules a function: {run:'run_code', span_id}.
	Run    string `json:"run,omitempty"`
	SpanID string `json:"span_id,omitempty"`

	// EmitSpan emits the provided record verbatim, with system-set
	// id/seq/at/owner.
	EmitSpan map[string]any `json:"emit_span,omitempty"`
}
