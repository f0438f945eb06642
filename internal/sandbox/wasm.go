package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
)

const wasmPageSize = 64 * 1024

// WasmRunner executes WASI modules deny-by-default: arguments arrive as
// JSON on stdin, the result is read from stdout, and the module gets no
// filesystem, network or environment.
type WasmRunner struct {
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWasmRunner creates a runtime whose linear memory may not exceed
// memoryBytes (rounded down to whole pages, at least one).
func NewWasmRunner(ctx context.Context, memoryBytes int64) (*WasmRunner, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memoryBytes > 0 {
		pages := uint32(memoryBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: %w", err)
	}
	return &WasmRunner{runtime: r, compiled: make(map[string]wazero.CompiledModule)}, nil
}

func (w *WasmRunner) compile(ctx context.Context, binary []byte) (wazero.CompiledModule, error) {
	key := canonical.SHA256Hex(binary)

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.compiled[key]; ok {
		return c, nil
	}
	c, err := w.runtime.CompileModule(ctx, binary)
	if err != nil {
		if strings.Contains(err.Error(), "over limit") {
			return nil, fmt.Errorf("%w: %v", ErrLimitExceeded, err)
		}
		return nil, fmt.Errorf("wasi: compile: %w", err)
	}
	w.compiled[key] = c
	return c, nil
}

// Run executes binary once with args on stdin.
func (w *WasmRunner) Run(ctx context.Context, binary []byte, args map[string]any, lim Limits) (any, error) {
	if lim.CPUTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lim.CPUTime)
		defer cancel()
	}

	compiled, err := w.compile(ctx, binary)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("wasi: encode arguments: %w", err)
	}
	stdout := &cappedBuffer{max: lim.MemoryBytes}
	var stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, ErrTimeout
		case stdout.overflow:
			return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrLimitExceeded, lim.MemoryBytes)
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		default:
			return nil, fmt.Errorf("wasi: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
	}
	if stdout.overflow {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrLimitExceeded, lim.MemoryBytes)
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw), nil
	}
	return out, nil
}

// Close releases every compiled module and the runtime.
func (w *WasmRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// cappedBuffer stops accepting writes past max bytes.
type cappedBuffer struct {
	bytes.Buffer
	max      int64
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.max > 0 && int64(b.Len()+len(p)) > b.max {
		b.overflow = true
		return 0, ErrLimitExceeded
	}
	return b.Buffer.Write(p)
}
