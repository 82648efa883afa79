package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASMRunner executes policy plugins compiled to WASI. The sandbox is
// deny-by-default: no filesystem, no network, no environment, no clock or
// randomness beyond what WASI's stubs provide. A plugin reads the
// transaction as JSON on stdin and writes a decision as JSON on stdout:
//
//	{"approved": bool, "reason": "..."}
type WASMRunner struct {
	runtime wazero.Runtime
}

// WASMMemoryLimitBytes caps plugin linear memory.
const WASMMemoryLimitBytes = 16 << 20

// NewWASMRunner builds the shared runtime. Close it when the registry shuts
// down.
func NewWASMRunner(ctx context.Context) (*WASMRunner, error) {
	pages := uint32(WASMMemoryLimitBytes / (64 * 1024))
	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(pages)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &WASMRunner{runtime: r}, nil
}

// Compile validates and compiles a plugin binary into a registrable rule.
func (w *WASMRunner) Compile(ctx context.Context, id, name, apiVersion string, wasm []byte) (*WASMRule, error) {
	compiled, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile wasm plugin %s: %w", id, err)
	}
	return &WASMRule{runner: w, compiled: compiled, id: id, name: name, apiVersion: apiVersion}, nil
}

// Close releases the runtime and every compiled module.
func (w *WASMRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// WASMRule is one compiled WASI policy plugin.
type WASMRule struct {
	runner     *WASMRunner
	compiled   wazero.CompiledModule
	id         string
	name       string
	apiVersion string
}

func (r *WASMRule) Metadata() Metadata {
	return Metadata{ID: r.id, Name: r.name, Type: TypePolicy, APIVersion: r.apiVersion}
}

// wasmDecision is the plugin wire format on stdout.
type wasmDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Evaluate instantiates the module fresh per call so plugin state cannot
// leak between transactions. The registry's budget arrives via ctx.
func (r *WASMRule) Evaluate(ctx context.Context, txn *Transaction) (*Decision, error) {
	input, err := json.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runner.runtime.InstantiateModule(ctx, r.compiled, cfg)
	if err != nil {
		// A WASI command exits through proc_exit; code 0 is success.
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("wasm plugin %s timed out: %w", r.id, ctx.Err())
			}
			return nil, fmt.Errorf("wasm plugin %s failed: %w (stderr: %s)", r.id, err, stderr.String())
		}
	}
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}

	var out wasmDecision
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("wasm plugin %s wrote invalid decision: %w", r.id, err)
	}
	if !out.Approved {
		return &Decision{Approved: false, Reason: out.Reason}, nil
	}
	return approve()
}

// Close releases the compiled module.
func (r *WASMRule) Close(ctx context.Context) error {
	return r.compiled.Close(ctx)
}
