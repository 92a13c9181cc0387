package sandbox_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loglineos/core/pkg/artifacts"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *sandbox.Evaluator {
	t.Helper()
	eval, err := sandbox.New(sandbox.DefaultConfig(), artifacts.NewMemoryStore())
	require.NoError(t, err)
	return eval
}

func celFunction(code string) *record.Record {
	return &record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityFunction,
		Who:        "user:alice",
		OwnerID:    "user:alice",
		Visibility: record.VisibilityPrivate,
		Name:       "greeter",
		Language:   record.LanguageCEL,
		Code:       code,
	}
}

func TestRun_CELExpression(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`{'greeting': 'hello ' + string(input.name)}`)
	out, err := eval.Run(context.Background(), fn, json.RawMessage(`{"name":"world"}`), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hello world"}`, string(out))
}

func TestRun_RecordFieldsVisible(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`record.name + '/' + record.entity_type`)
	out, err := eval.Run(context.Background(), fn, nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `"greeter/function"`, string(out))
}

func TestRun_EmptyLanguageDefaultsToCEL(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`1 + 2`)
	fn.Language = ""
	out, err := eval.Run(context.Background(), fn, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "3", string(out))
}

func TestRun_PinnedNow(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`now < timestamp('2027-01-01T00:00:00Z')`)
	ctx := sandbox.WithNow(context.Background(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	out, err := eval.Run(ctx, fn, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "true", string(out))
}

func TestRun_CompileError(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`this is not ( valid`)
	_, err := eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindCompile, se.Kind)
}

func TestRun_RuntimeError(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`1 / (1 - 1)`)
	_, err := eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindRuntime, se.Kind)
	assert.False(t, sandbox.IsTimeout(err))
}

func TestRun_UnsupportedLanguage(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(`print("hi")`)
	fn.Language = "python"
	_, err := eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindCompile, se.Kind)
}

func TestRun_OutputSizeCap(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.OutputMaxBytes = 8
	eval, err := sandbox.New(cfg, nil)
	require.NoError(t, err)

	fn := celFunction(`'a string well beyond eight bytes'`)
	_, err = eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindRuntime, se.Kind)
}

func TestRun_WASMWithoutBlobStore(t *testing.T) {
	eval, err := sandbox.New(sandbox.DefaultConfig(), nil)
	require.NoError(t, err)

	fn := celFunction(artifacts.Ref([]byte("module")))
	fn.Language = record.LanguageWASM
	_, err = eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindRuntime, se.Kind)
}

func TestRun_WASMMissingArtifact(t *testing.T) {
	eval := newEvaluator(t)

	fn := celFunction(artifacts.Ref([]byte("never uploaded")))
	fn.Language = record.LanguageWASM
	_, err := eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindRuntime, se.Kind)
}

func TestRun_WASMRejectsNonModuleBytes(t *testing.T) {
	blobs := artifacts.NewMemoryStore()
	ref, err := blobs.Put(context.Background(), []byte("this is not wasm"))
	require.NoError(t, err)

	eval, err := sandbox.New(sandbox.DefaultConfig(), blobs)
	require.NoError(t, err)

	fn := celFunction(ref)
	fn.Language = record.LanguageWASM
	_, err = eval.Run(context.Background(), fn, nil, 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindCompile, se.Kind)
}

func TestEvalPolicy_EmitsActions(t *testing.T) {
	eval := newEvaluator(t)

	policy := celFunction(`record.status == 'complete'
		? [{'run': 'run_code', 'span_id': record.id}]
		: []`)
	policy.EntityType = record.EntityPolicy

	candidate := celFunction(`1`)
	candidate.Status = record.StatusComplete

	actions, err := eval.EvalPolicy(context.Background(), policy, candidate, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "run_code", actions[0].Run)
	assert.Equal(t, candidate.ID, actions[0].SpanID)

	candidate.Status = record.StatusError
	actions, err = eval.EvalPolicy(context.Background(), policy, candidate, 0)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestEvalPolicy_EmitSpanAction(t *testing.T) {
	eval := newEvaluator(t)

	policy := celFunction(`[{'emit_span': {'entity_type': 'memory', 'name': record.name}}]`)
	candidate := celFunction(`1`)

	actions, err := eval.EvalPolicy(context.Background(), policy, candidate, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].EmitSpan)
	assert.Equal(t, "memory", actions[0].EmitSpan["entity_type"])
	assert.Equal(t, "greeter", actions[0].EmitSpan["name"])
}

func TestEvalPolicy_NonListResultFails(t *testing.T) {
	eval := newEvaluator(t)

	policy := celFunction(`'not a list'`)
	_, err := eval.EvalPolicy(context.Background(), policy, celFunction(`1`), 0)
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.KindRuntime, se.Kind)
}
