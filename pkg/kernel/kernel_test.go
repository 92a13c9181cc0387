package kernel_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loglineos/core/pkg/artifacts"
	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/kernel"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type fixture struct {
	store  *registry.SQLStore
	blobs  *artifacts.MemoryStore
	signer *crypto.Ed25519Signer
	rt     *kernel.Runtime
	sess   registry.Session
}

type manifestDoc struct {
	Kernels        map[string]string `json:"kernels,omitempty"`
	AllowedBootIDs []string          `json:"allowed_boot_ids"`
	Throttle       map[string]int    `json:"throttle,omitempty"`
	Policy         map[string]int64  `json:"policy,omitempty"`
	OverridePubkey string            `json:"override_pubkey_hex,omitempty"`
}

func newFixture(t *testing.T, doc manifestDoc) *fixture {
	t.Helper()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "kernel.db")
	store, err := registry.Open(ctx, registry.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	sess := registry.Session{UserID: "user:alice", TenantID: "acme"}

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	row := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityManifest,
		Who:        sess.UserID,
		OwnerID:    sess.UserID,
		TenantID:   sess.TenantID,
		Visibility: record.VisibilityPublic,
		Metadata:   raw,
	}
	require.NoError(t, store.Insert(ctx, sess, &row))

	blobs := artifacts.NewMemoryStore()
	eval, err := sandbox.New(sandbox.DefaultConfig(), blobs)
	require.NoError(t, err)

	cache := manifest.NewCache(store, sess, time.Minute)
	return &fixture{
		store:  store,
		blobs:  blobs,
		signer: signer,
		rt:     kernel.NewRuntime(store, cache, eval),
		sess:   sess,
	}
}

func (f *fixture) ctx() *capability.Ctx {
	return capability.New(f.store, capability.Env{
		UserID:   f.sess.UserID,
		TenantID: f.sess.TenantID,
		Signer:   f.signer,
	})
}

func (f *fixture) insertFunction(t *testing.T, code string, mutate func(*record.Record)) *record.Record {
	t.Helper()
	fn := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityFunction,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusActive,
		Name:       "fn",
		Language:   record.LanguageCEL,
		Code:       code,
	}
	if mutate != nil {
		mutate(&fn)
	}
	require.NoError(t, f.store.Insert(context.Background(), f.sess, &fn))
	return &fn
}

func (f *fixture) selectAll(t *testing.T, et record.EntityType) []record.Record {
	t.Helper()
	rows, err := f.store.Select(context.Background(), f.sess, registry.Query{EntityType: et, OldestFirst: true})
	require.NoError(t, err)
	return rows
}

func TestRunCode_RecordsSignedExecution(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	fn := f.insertFunction(t, `{'greeting': 'hello'}`, func(r *record.Record) {
		r.Input = json.RawMessage(`{"name":"world"}`)
	})

	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	assert.False(t, res.Skipped)
	assert.Nil(t, res.Violation)

	exec := res.Execution
	assert.Equal(t, record.StatusComplete, exec.Status)
	assert.Equal(t, fn.ID, exec.ParentID)
	assert.JSONEq(t, `{"greeting":"hello"}`, string(exec.Output))
	assert.NotEmpty(t, exec.TraceID)
	require.NoError(t, crypto.VerifyRow(exec))

	persisted := f.selectAll(t, record.EntityExecution)
	require.Len(t, persisted, 1)
	assert.Equal(t, exec.ID, persisted[0].ID)
}

func TestRunCode_RejectsBadTargets(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	// No SPAN_ID bound.
	_, err := f.rt.RunCode(ctx, f.ctx())
	assert.ErrorIs(t, err, kernel.ErrInvalidTarget)

	// Missing record.
	_, err = f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, record.NewID()))
	assert.ErrorIs(t, err, kernel.ErrInvalidTarget)

	// Not a function.
	mem := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityMemory,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &mem))
	_, err = f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, mem.ID))
	assert.ErrorIs(t, err, kernel.ErrInvalidTarget)
}

func TestRunCode_RefusesCrossTenantTarget(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	other := registry.Session{UserID: "user:carol", TenantID: "globex"}
	fn := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityFunction,
		Who:        other.UserID,
		OwnerID:    other.UserID,
		TenantID:   other.TenantID,
		Visibility: record.VisibilityPublic,
		Language:   record.LanguageCEL,
		Code:       `1`,
	}
	require.NoError(t, f.store.Insert(ctx, other, &fn))

	_, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	assert.ErrorIs(t, err, kernel.ErrTenantMismatch)
}

func TestRunCode_QuotaViolation(t *testing.T) {
	f := newFixture(t, manifestDoc{
		AllowedBootIDs: []string{},
		Throttle:       map[string]int{"per_tenant_daily_exec_limit": 1},
	})
	ctx := context.Background()

	// One execution already burned today.
	prior := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityExecution,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusComplete,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &prior))

	fn := f.insertFunction(t, `1`, nil)
	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Violation)
	assert.Nil(t, res.Execution)

	meta, err := res.Violation.Meta()
	require.NoError(t, err)
	assert.Equal(t, "per_tenant_daily_exec_limit", meta["rule"])
	assert.EqualValues(t, 1, meta["count"])
	assert.EqualValues(t, 1, meta["limit"])

	// No execution was appended.
	assert.Len(t, f.selectAll(t, record.EntityExecution), 1)
	assert.Len(t, f.selectAll(t, record.EntityPolicyViolation), 1)
}

func TestRunCode_SignedOverrideBypassesQuota(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	f := newFixture(t, manifestDoc{
		AllowedBootIDs: []string{},
		Throttle:       map[string]int{"per_tenant_daily_exec_limit": 1},
		OverridePubkey: signer.PublicKeyHex(),
	})
	ctx := context.Background()

	prior := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityExecution,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusComplete,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &prior))

	fn := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityFunction,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		At:         time.Now().UTC(),
		Language:   record.LanguageCEL,
		Code:       `'override ran'`,
		Metadata:   json.RawMessage(`{"force": true}`),
	}
	require.NoError(t, crypto.Seal(&fn, signer))
	require.NoError(t, f.store.Insert(ctx, f.sess, &fn))

	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	assert.Nil(t, res.Violation)
	assert.JSONEq(t, `"override ran"`, string(res.Execution.Output))
}

func TestRunCode_ForceWithoutOverrideKeyStillBlocked(t *testing.T) {
	f := newFixture(t, manifestDoc{
		AllowedBootIDs: []string{},
		Throttle:       map[string]int{"per_tenant_daily_exec_limit": 1},
	})
	ctx := context.Background()

	prior := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityExecution,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusComplete,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &prior))

	fn := f.insertFunction(t, `1`, func(r *record.Record) {
		r.Metadata = json.RawMessage(`{"force": true}`)
	})
	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	assert.NotNil(t, res.Violation)
}

func TestRunCode_YieldsWhenThrottleContended(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	got, err := f.store.TryLock(ctx, "throttle:acme")
	require.NoError(t, err)
	require.True(t, got)
	defer func() { _ = f.store.Unlock(ctx, "throttle:acme") }()

	fn := f.insertFunction(t, `1`, nil)
	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.selectAll(t, record.EntityExecution))
}

// opLogStore records the order of lock and insert calls across a run.
type opLogStore struct {
	*registry.SQLStore
	mu  sync.Mutex
	ops []string
}

func (s *opLogStore) logOp(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *opLogStore) TryLock(ctx context.Context, key string) (bool, error) {
	got, err := s.SQLStore.TryLock(ctx, key)
	if got {
		s.logOp("lock:" + key)
	}
	return got, err
}

func (s *opLogStore) Unlock(ctx context.Context, key string) error {
	s.logOp("unlock:" + key)
	return s.SQLStore.Unlock(ctx, key)
}

func (s *opLogStore) Insert(ctx context.Context, sess registry.Session, r *record.Record) error {
	err := s.SQLStore.Insert(ctx, sess, r)
	if err == nil {
		s.logOp("insert:" + string(r.EntityType))
	}
	return err
}

func (s *opLogStore) indexOf(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, got := range s.ops {
		if got == op {
			return i
		}
	}
	return -1
}

func TestRunCode_ThrottleLockReleasedBeforeExecution(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	ops := &opLogStore{SQLStore: f.store}
	eval, err := sandbox.New(sandbox.DefaultConfig(), f.blobs)
	require.NoError(t, err)
	rt := kernel.NewRuntime(ops, manifest.NewCache(ops, f.sess, time.Minute), eval)
	c := capability.New(ops, capability.Env{
		UserID:   f.sess.UserID,
		TenantID: f.sess.TenantID,
		Signer:   f.signer,
	})

	fn := f.insertFunction(t, `1`, nil)
	res, err := rt.RunCode(ctx, c.WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)

	// The tenant throttle lock covers only the quota read. It is released
	// before the per-record lock and the sandbox run, so one tenant's
	// executions do not serialize behind each other.
	unlockThrottle := ops.indexOf("unlock:throttle:acme")
	lockRecord := ops.indexOf("lock:" + fn.ID)
	insertExec := ops.indexOf("insert:execution")
	require.GreaterOrEqual(t, unlockThrottle, 0)
	require.GreaterOrEqual(t, lockRecord, 0)
	require.GreaterOrEqual(t, insertExec, 0)
	assert.Less(t, unlockThrottle, lockRecord)
	assert.Less(t, unlockThrottle, insertExec)
}

func TestRunCode_SandboxFailureRecordedAsErrorExecution(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	fn := f.insertFunction(t, `1 / (1 - 1)`, nil)
	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	assert.Equal(t, record.StatusError, res.Execution.Status)
	assert.Nil(t, res.Execution.Output)

	var errObj record.ErrObject
	require.NoError(t, json.Unmarshal(res.Execution.Error, &errObj))
	assert.Equal(t, "runtime", errObj.Kind)
}

// wasmSpin is a minimal WASI module whose _start loops forever.
var wasmSpin = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // one function of that type
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // body: loop br 0
}

func TestRunCode_RunawayFunctionCutOffAtDeadline(t *testing.T) {
	f := newFixture(t, manifestDoc{
		AllowedBootIDs: []string{},
		Policy:         map[string]int64{"slow_ms": 200},
	})
	ctx := context.Background()

	ref, err := f.blobs.Put(ctx, wasmSpin)
	require.NoError(t, err)
	fn := f.insertFunction(t, ref, func(r *record.Record) {
		r.Language = record.LanguageWASM
		r.Runtime = "wasm"
	})

	res, err := f.rt.RunCode(ctx, f.ctx().WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	assert.Equal(t, record.StatusError, res.Execution.Status)
	assert.Nil(t, res.Execution.Output)

	var errObj record.ErrObject
	require.NoError(t, json.Unmarshal(res.Execution.Error, &errObj))
	assert.Equal(t, "timeout", errObj.Kind)
	assert.Equal(t, "timeout", errObj.Message)

	// A run cut off at the deadline is an error, never a slow completion.
	assert.Empty(t, f.selectAll(t, record.EntityStatusPatch))
	require.NoError(t, crypto.VerifyRow(res.Execution))
}

func TestRunCode_SlowCompletionFlagged(t *testing.T) {
	f := newFixture(t, manifestDoc{
		AllowedBootIDs: []string{},
		Policy:         map[string]int64{"slow_ms": 1000},
	})
	ctx := context.Background()

	// Every clock read advances two seconds, so the measured duration
	// crosses the slow threshold while the sandbox run itself stays fast.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var reads int
	clock := func() time.Time {
		reads++
		return base.Add(time.Duration(reads) * 2 * time.Second)
	}

	fn := f.insertFunction(t, `{'ok': true}`, nil)
	res, err := f.rt.RunCode(ctx, f.ctx().WithClock(clock).WithVar(kernel.VarSpanID, fn.ID))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	assert.Equal(t, record.StatusComplete, res.Execution.Status)
	assert.Equal(t, int64(2000), res.Execution.DurationMS)

	patches := f.selectAll(t, record.EntityStatusPatch)
	require.Len(t, patches, 1)
	assert.Equal(t, fn.ID, patches[0].ParentID)
	meta, err := patches[0].Meta()
	require.NoError(t, err)
	assert.Equal(t, "slow", meta["status"])
	assert.True(t, patches[0].At.Before(res.Execution.At))
	require.NoError(t, crypto.VerifyRow(&patches[0]))
}

func TestObserver_SchedulesEachFunctionOnce(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	fn := f.insertFunction(t, `1`, func(r *record.Record) {
		r.Status = record.StatusScheduled
	})

	n, err := f.rt.Observe(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	requests := f.selectAll(t, record.EntityRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, fn.ID, requests[0].ParentID)
	assert.Equal(t, record.StatusScheduled, requests[0].Status)
	require.NoError(t, crypto.VerifyRow(&requests[0]))

	// A second pass finds the function still scheduled but the uniqueness
	// constraint absorbs the duplicate.
	n, err = f.rt.Observe(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.selectAll(t, record.EntityRequest), 1)
}

func TestObserver_QuotaBlocksScheduling(t *testing.T) {
	f := newFixture(t, manifestDoc{
		AllowedBootIDs: []string{},
		Throttle:       map[string]int{"per_tenant_daily_exec_limit": 1},
	})
	ctx := context.Background()

	prior := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityExecution,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusComplete,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &prior))

	f.insertFunction(t, `1`, func(r *record.Record) {
		r.Status = record.StatusScheduled
	})

	n, err := f.rt.Observe(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.selectAll(t, record.EntityRequest))
	assert.Len(t, f.selectAll(t, record.EntityPolicyViolation), 1)
}

func TestDrainRequests_DispatchesAndPatches(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	// Register the run_code ledger row so the worker can verify it.
	runCodeRow := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityFunction,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityPublic,
		At:         time.Now().UTC(),
		Name:       kernel.NameRunCode,
		Code:       kernel.NameRunCode,
		Language:   record.LanguageNative,
	}
	require.NoError(t, crypto.Seal(&runCodeRow, f.signer))
	require.NoError(t, f.store.Insert(ctx, f.sess, &runCodeRow))

	doc, err := json.Marshal(manifestDoc{
		AllowedBootIDs: []string{},
		Kernels:        map[string]string{kernel.NameRunCode: runCodeRow.ID},
	})
	require.NoError(t, err)
	m2 := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityManifest,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityPublic,
		At:         time.Now().UTC().Add(time.Second),
		Metadata:   doc,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &m2))

	fn := f.insertFunction(t, `{'ran': true}`, nil)

	req := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityRequest,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusScheduled,
		ParentID:   fn.ID,
		TraceID:    record.NewTraceID(),
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &req))

	n, err := f.rt.DrainRequests(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	execs := f.selectAll(t, record.EntityExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, fn.ID, execs[0].ParentID)
	assert.Equal(t, req.TraceID, execs[0].TraceID)

	patches := f.selectAll(t, record.EntityStatusPatch)
	require.Len(t, patches, 1)
	assert.Equal(t, req.ID, patches[0].ParentID)
	meta, err := patches[0].Meta()
	require.NoError(t, err)
	assert.Equal(t, record.StatusComplete, meta["status"])

	// The patched request is done for good: another pass dispatches nothing
	// and appends no second execution.
	n, err = f.rt.DrainRequests(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.selectAll(t, record.EntityExecution), 1)
	assert.Len(t, f.selectAll(t, record.EntityStatusPatch), 1)
}

func TestDrainRequests_FailsFastWithoutKernelRow(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})

	_, err := f.rt.DrainRequests(context.Background(), f.ctx())
	assert.ErrorIs(t, err, kernel.ErrKernelUnavailable)
}

func TestEvaluatePolicies_CursorAdvancesAndReplaysAreNoOps(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	fn := f.insertFunction(t, `1`, nil)

	policy := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityPolicy,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusActive,
		Language:   record.LanguageCEL,
		Code: `record.entity_type == 'function' && record.status == 'active'
			? [{'run': 'run_code', 'span_id': record.id}]
			: []`,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &policy))

	n, err := f.rt.EvaluatePolicies(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	requests := f.selectAll(t, record.EntityRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, fn.ID, requests[0].ParentID)
	assert.Contains(t, requests[0].RelatedTo, policy.ID)

	cursors := f.selectAll(t, record.EntityPolicyCursor)
	require.NotEmpty(t, cursors)
	meta, err := cursors[len(cursors)-1].Meta()
	require.NoError(t, err)
	assert.NotEmpty(t, meta["last_at"])

	// Re-running emits nothing new: the cursor advanced past the function
	// and action ids are content-addressed.
	n, err = f.rt.EvaluatePolicies(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.selectAll(t, record.EntityRequest), 1)
}

func TestEvaluatePolicies_EvalFailureEmitsPolicyError(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	f.insertFunction(t, `1`, nil)

	policy := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityPolicy,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Status:     record.StatusActive,
		Language:   record.LanguageCEL,
		Code:       `'not a list of actions'`,
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &policy))

	n, err := f.rt.EvaluatePolicies(ctx, f.ctx())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	errs := f.selectAll(t, record.EntityPolicyError)
	require.NotEmpty(t, errs)
	assert.Equal(t, policy.ID, errs[0].ParentID)
}

func TestProviderExec_DispatchesOpenAIFamily(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()
	t.Setenv("TEST_PROVIDER_KEY", "sk-test")

	var gotURL, gotAuth string
	var gotBody []byte
	f.rt.WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"choices":[]}`)),
			Header:     http.Header{"Content-Type": []string{"application/json"}},
		}, nil
	})})

	provider := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityProvider,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Metadata:   json.RawMessage(`{"base_url":"https://api.openai.com/v1","model":"gpt-4o","auth_env":"TEST_PROVIDER_KEY"}`),
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &provider))

	exec, err := f.rt.ProviderExec(ctx, f.ctx().WithVar(kernel.VarProviderID, provider.ID),
		json.RawMessage(`{"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, record.StatusComplete, exec.Status)
	assert.JSONEq(t, `{"choices":[]}`, string(exec.Output))
	require.NoError(t, crypto.VerifyRow(exec))

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", gotURL)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.JSONEq(t, `{"messages":[],"model":"gpt-4o"}`, string(gotBody))
}

func TestProviderExec_UnknownFamilyRejected(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	provider := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityProvider,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Metadata:   json.RawMessage(`{"base_url":"https://example.com/api"}`),
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &provider))

	_, err := f.rt.ProviderExec(ctx, f.ctx().WithVar(kernel.VarProviderID, provider.ID), nil)
	assert.ErrorIs(t, err, kernel.ErrUnsupportedProvider)

	// Nothing recorded for an unroutable provider.
	assert.Empty(t, f.selectAll(t, record.EntityProviderExecution))
}

func TestProviderExec_HTTPFailureRecorded(t *testing.T) {
	f := newFixture(t, manifestDoc{AllowedBootIDs: []string{}})
	ctx := context.Background()

	f.rt.WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader(`upstream broke`)),
		}, nil
	})})

	provider := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityProvider,
		Who:        f.sess.UserID,
		OwnerID:    f.sess.UserID,
		TenantID:   f.sess.TenantID,
		Visibility: record.VisibilityTenant,
		Metadata:   json.RawMessage(`{"base_url":"https://api.openai.com/v1"}`),
	}
	require.NoError(t, f.store.Insert(ctx, f.sess, &provider))

	exec, err := f.rt.ProviderExec(ctx, f.ctx().WithVar(kernel.VarProviderID, provider.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, record.StatusError, exec.Status)

	var errObj record.ErrObject
	require.NoError(t, json.Unmarshal(exec.Error, &errObj))
	assert.Equal(t, "provider", errObj.Kind)
	assert.Contains(t, errObj.Message, "500")
}

func TestSeedKernels(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	bootID := record.NewID()
	rows, err := kernel.SeedKernels(signer, "system:core", "", []string{bootID}, time.Now())
	require.NoError(t, err)
	require.Len(t, rows, len(kernel.Names)+1)

	var m *manifest.Manifest
	byCode := map[string]string{}
	for i := range rows {
		r := &rows[i]
		require.NoError(t, crypto.VerifyRow(r), "row %s", r.Name)
		switch r.EntityType {
		case record.EntityFunction:
			assert.Equal(t, record.LanguageNative, r.Language)
			byCode[r.Code] = r.ID
		case record.EntityManifest:
			m, err = manifest.FromRecord(r)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, m)
	assert.True(t, m.AllowsBoot(bootID))
	for _, name := range kernel.Names {
		id, ok := m.KernelID(name)
		assert.True(t, ok, "kernel %s registered", name)
		assert.Equal(t, byCode[name], id)
	}

	// Seed ids derive from the signing key, not the clock: a re-run builds
	// the same ids and collides on (id, seq) instead of duplicating.
	again, err := kernel.SeedKernels(signer, "system:core", "", []string{bootID}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, again, len(rows))
	for i := range rows {
		assert.Equal(t, rows[i].ID, again[i].ID)
	}

	other, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	distinct, err := kernel.SeedKernels(other, "system:core", "", nil, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, rows[0].ID, distinct[0].ID)

	_, err = kernel.SeedKernels(nil, "system:core", "", nil, time.Now())
	require.Error(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
