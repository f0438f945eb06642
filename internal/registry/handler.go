package registry

import (
	"context"
	"errors"
	"net"
)

// Environment is the capability surface a handler receives at execution
// time. The sandbox implementation enforces network and disk limits.
type Environment interface {
	// Dial opens a network connection subject to host allow/deny lists
	// and the connection cap.
	Dial(ctx context.Context, network, address string) (net.Conn, error)
	// WriteFile writes into the per-invocation scratch directory.
	WriteFile(name string, data []byte) error
	// ScratchDir is the per-invocation scratch directory, or "" when the
	// handler runs without one.
	ScratchDir() string
}

// Invocation is what a handler is called with. Arguments have already been
// schema-validated and privacy-tokenized.
type Invocation struct {
	RequestID string
	ToolName  string
	TenantID  string
	Arguments map[string]any
	Env       Environment
}

// Handler executes a tool. Handlers are keyed by tool name and are never
// part of the integrity hash.
type Handler interface {
	Invoke(ctx context.Context, inv *Invocation) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	return f(ctx, inv)
}

// ErrWasmOutsideSandbox is returned when a WASM handler is invoked directly.
var ErrWasmOutsideSandbox = errors.New("wasm module must run inside the sandbox")

// WasmModule is a handler backed by a WebAssembly (WASI) binary. The sandbox
// runs it with arguments on stdin and reads a JSON result from stdout.
type WasmModule struct {
	Binary []byte
}

func (m *WasmModule) Invoke(context.Context, *Invocation) (any, error) {
	return nil, ErrWasmOutsideSandbox
}
