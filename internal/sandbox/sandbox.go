// Package sandbox runs tool handlers under resource limits.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrTimeout       = errors.New("sandbox: execution timed out")
	ErrLimitExceeded = errors.New("sandbox: resource limit exceeded")
	ErrNetworkDenied = errors.New("sandbox: network access denied")
)

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Result kinds.
const (
	KindDirect = "direct"
	KindNative = "native"
	KindWasm   = "wasm"
)

// Limits bounds a single job. Zero values are unlimited, except Timeout
// which falls back to the executor default.
type Limits struct {
	Timeout        time.Duration
	CPUTime        time.Duration // enforced for wasm jobs only
	MemoryBytes    int64
	DiskBytes      int64
	MaxConnections int
	AllowedHosts   []string
	DeniedHosts    []string
}

// Job is one sandboxed invocation.
type Job struct {
	Tool       *registry.Tool
	Handler    registry.Handler
	Invocation *registry.Invocation
}

// Result describes a finished job.
type Result struct {
	Output      any
	Duration    time.Duration
	Kind        string
	Connections int
	DiskBytes   int64
}

// Options configures an Executor.
type Options struct {
	Limits        Limits
	MaxConcurrent int64
	ScratchRoot   string // defaults to os.TempDir()
	Logger        *zap.Logger
	// Dial overrides the network dialer, mainly for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Executor runs jobs with a bounded number of concurrent slots.
type Executor struct {
	limits  Limits
	sem     *semaphore.Weighted
	scratch string
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	wasm    *WasmRunner
	logger  *zap.Logger
}

func NewExecutor(ctx context.Context, opts Options) (*Executor, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Limits.Timeout <= 0 {
		opts.Limits.Timeout = 30 * time.Second
	}
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	wasm, err := NewWasmRunner(ctx, opts.Limits.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("NewExecutor: %w", err)
	}
	return &Executor{
		limits:  opts.Limits,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		scratch: opts.ScratchRoot,
		dial:    opts.Dial,
		wasm:    wasm,
		logger:  opts.Logger,
	}, nil
}

// Close releases the wasm runtime.
func (e *Executor) Close(ctx context.Context) error {
	return e.wasm.Close(ctx)
}

// Execute runs job under the executor limits. A native handler keeps its
// slot and scratch directory until it returns, even after Execute has given
// up on it; its connections are closed and further I/O refused as soon as
// the deadline passes.
func (e *Executor) Execute(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	lim := e.limits

	ctx, cancel := context.WithTimeout(ctx, lim.Timeout)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for a sandbox slot", ErrTimeout)
	}

	if job.Tool != nil && job.Tool.Runtime == registry.RuntimeWasm {
		defer e.sem.Release(1)
		mod, ok := job.Handler.(*registry.WasmModule)
		if !ok {
			return nil, fmt.Errorf("sandbox: tool %s declares wasm runtime without a wasm module", job.Tool.Name)
		}
		out, err := e.wasm.Run(ctx, mod.Binary, job.Invocation.Arguments, lim)
		if err != nil {
			return nil, err
		}
		return &Result{Output: out, Duration: time.Since(start), Kind: KindWasm}, nil
	}

	env, err := newJobEnv(e.scratch, lim, e.dial)
	if err != nil {
		e.sem.Release(1)
		return nil, fmt.Errorf("sandbox: scratch: %w", err)
	}

	inv := *job.Invocation
	inv.Env = env

	type outcome struct {
		out   any
		err   error
		conns int
		disk  int64
	}
	done := make(chan outcome, 1)
	go func() {
		defer e.sem.Release(1)
		out, err := invokeRecover(ctx, job.Handler, &inv)
		conns, disk := env.usage()
		if cerr := env.close(); cerr != nil {
			e.logger.Warn("sandbox cleanup failed", zap.String("tool_name", inv.ToolName), zap.Error(cerr))
		}
		done <- outcome{out: out, err: err, conns: conns, disk: disk}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if err := checkOutputSize(o.out, lim.MemoryBytes); err != nil {
			return nil, err
		}
		return &Result{
			Output:      o.out,
			Duration:    time.Since(start),
			Kind:        KindNative,
			Connections: o.conns,
			DiskBytes:   o.disk,
		}, nil
	case <-ctx.Done():
		if err := env.revoke(); err != nil {
			e.logger.Warn("sandbox revoke failed", zap.String("tool_name", inv.ToolName), zap.Error(err))
		}
		e.logger.Warn("sandboxed handler exceeded its deadline",
			zap.String("tool_name", inv.ToolName),
			zap.Duration("timeout", lim.Timeout),
		)
		return nil, ErrTimeout
	}
}

// Direct runs a handler in-process with panic recovery only. It is meant
// for minimal-tier tools.
func Direct(ctx context.Context, h registry.Handler, inv *registry.Invocation) (*Result, error) {
	start := time.Now()
	out, err := invokeRecover(ctx, h, inv)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out, Duration: time.Since(start), Kind: KindDirect}, nil
}

func invokeRecover(ctx context.Context, h registry.Handler, inv *registry.Invocation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Invoke(ctx, inv)
}

func checkOutputSize(out any, limit int64) error {
	if limit <= 0 || out == nil {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("sandbox: result is not serializable: %w", err)
	}
	if int64(len(b)) > limit {
		return fmt.Errorf("%w: result of %d bytes exceeds memory limit %d", ErrLimitExceeded, len(b), limit)
	}
	return nil
}
