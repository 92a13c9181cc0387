package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loglineos/core/pkg/record"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// runWASM executes a WASI module whose bytes live in the artifact store
// under the blake3 ref carried in the record's code column. Deny by
// default: no filesystem mounts, no network, no env vars, no host clock.
// The module reads input from stdin and writes JSON output to stdout.
func (e *Evaluator) runWASM(ctx context.Context, target *record.Record, input json.RawMessage) (json.RawMessage, error) {
	if e.blobs == nil {
		return nil, &Error{Kind: KindRuntime, Detail: "no artifact store configured for wasm execution"}
	}
	ref := strings.TrimSpace(target.Code)
	wasmBytes, err := e.blobs.Get(ctx, ref)
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("resolve module %s: %v", ref, err)}
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cfg.MemoryLimitBytes > 0 {
		pages := uint32(e.cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer func() { _ = r.Close(ctx) }()

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &Error{Kind: KindCompile, Detail: err.Error()}
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("loglineos-sandbox").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Detail: "execution exceeded time limit"}
		}
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			// _start exited cleanly; fall through to output handling.
		} else {
			detail := err.Error()
			if stderr.Len() > 0 {
				detail = fmt.Sprintf("%s: %s", detail, strings.TrimSpace(stderr.String()))
			}
			return nil, &Error{Kind: KindRuntime, Detail: detail}
		}
	}

	if stdout.Len() > e.cfg.OutputMaxBytes {
		return nil, &Error{Kind: KindRuntime, Detail: fmt.Sprintf("output size %d exceeds limit %d", stdout.Len(), e.cfg.OutputMaxBytes)}
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(out) {
		return nil, &Error{Kind: KindRuntime, Detail: "module wrote non-JSON output"}
	}
	return json.RawMessage(out), nil
}
