package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolBlocked       = errors.New("tool name is block-listed")
	ErrIntegrityMismatch = errors.New("tool integrity hash mismatch")
	ErrInvalidTool       = errors.New("invalid tool definition")
)

// Store persists tool definitions. LoadTool returns (nil, nil) when the tool
// does not exist.
type Store interface {
	SaveTool(ctx context.Context, t *Tool) error
	DeleteTool(ctx context.Context, name string) error
	LoadTool(ctx context.Context, name string) (*Tool, error)
}

// Options configures a Registry.
type Options struct {
	BlockedNames []string
	Store        Store // optional
	Logger       *zap.Logger
	Now          func() time.Time
}

// Registry holds tool definitions and their handlers. The hash recorded at
// registration is the reference every later invocation is verified against.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	hashes   map[string]string
	handlers map[string]Handler
	blocked  map[string]struct{}
	store    Store
	logger   *zap.Logger
	now      func() time.Time
}

func New(opts Options) *Registry {
	blocked := make(map[string]struct{}, len(opts.BlockedNames))
	for _, n := range opts.BlockedNames {
		blocked[strings.ToLower(n)] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		hashes:   make(map[string]string),
		handlers: make(map[string]Handler),
		blocked:  blocked,
		store:    opts.Store,
		logger:   logger,
		now:      now,
	}
}

// RegisterTool validates def, computes its integrity hash and stores it
// with handler, superseding any earlier registration under the same name.
// If def carries a declared IntegrityHash it must equal the computed one.
func (r *Registry) RegisterTool(ctx context.Context, def Tool, handler Handler) (*Tool, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if !def.RiskTier.Valid() {
		return nil, fmt.Errorf("%w: unknown risk tier %q", ErrInvalidTool, def.RiskTier)
	}
	if def.Runtime == "" {
		def.Runtime = RuntimeNative
	}
	if def.Runtime != RuntimeNative && def.Runtime != RuntimeWasm {
		return nil, fmt.Errorf("%w: unknown runtime %q", ErrInvalidTool, def.Runtime)
	}
	if _, ok := r.blocked[strings.ToLower(def.Name)]; ok {
		return nil, fmt.Errorf("%w: %s", ErrToolBlocked, def.Name)
	}

	tool := def.Clone()
	hash, err := ComputeHash(tool)
	if err != nil {
		return nil, err
	}
	if def.IntegrityHash != "" && def.IntegrityHash != hash {
		return nil, fmt.Errorf("%w: declared %s, computed %s", ErrIntegrityMismatch, def.IntegrityHash, hash)
	}
	tool.IntegrityHash = hash
	tool.RegisteredAt = r.now().UTC()

	if r.store != nil {
		if err := r.store.SaveTool(ctx, tool); err != nil {
			return nil, fmt.Errorf("RegisterTool: %w", err)
		}
	}

	r.mu.Lock()
	r.tools[tool.Name] = tool
	r.hashes[tool.Name] = hash
	if handler != nil {
		r.handlers[tool.Name] = handler
	} else {
		delete(r.handlers, tool.Name)
	}
	r.mu.Unlock()

	r.logger.Info("tool registered",
		zap.String("tool_name", tool.Name),
		zap.String("risk_tier", string(tool.RiskTier)),
		zap.String("integrity_hash", hash),
	)
	return tool.Clone(), nil
}

// UnregisterTool removes a tool and its handler.
func (r *Registry) UnregisterTool(ctx context.Context, name string) error {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	delete(r.hashes, name)
	delete(r.handlers, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if r.store != nil {
		if err := r.store.DeleteTool(ctx, name); err != nil {
			return fmt.Errorf("UnregisterTool: %w", err)
		}
	}
	return nil
}

// Lookup returns a copy of the tool definition and its handler. When a
// Store is configured the persisted definition is authoritative, so a row
// edited behind the gateway's back surfaces at Verify. A nil handler with a
// nil error means the tool is declared but nothing is bound to execute it.
func (r *Registry) Lookup(ctx context.Context, name string) (*Tool, Handler, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	handler := r.handlers[name]
	r.mu.RUnlock()

	if r.store != nil {
		stored, err := r.store.LoadTool(ctx, name)
		switch {
		case err != nil:
			if !ok {
				return nil, nil, fmt.Errorf("Lookup: %w", err)
			}
			r.logger.Warn("tool store lookup failed, using in-memory definition",
				zap.String("tool_name", name),
				zap.Error(err),
			)
		case stored != nil:
			tool, ok = stored, true
		}
	}

	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Clone(), handler, nil
}

// Verify recomputes t's hash and compares it with the hash recorded when
// the tool was registered in this process. Tools known only to the store
// are compared against their persisted hash.
func (r *Registry) Verify(t *Tool) error {
	computed, err := ComputeHash(t)
	if err != nil {
		return err
	}

	r.mu.RLock()
	expected, ok := r.hashes[t.Name]
	r.mu.RUnlock()
	if !ok {
		expected = t.IntegrityHash
	}

	if expected == "" || computed != expected {
		return fmt.Errorf("%w: %s expected %s, computed %s", ErrIntegrityMismatch, t.Name, expected, computed)
	}
	return nil
}

// RegisteredHash returns the hash recorded at registration.
func (r *Registry) RegisteredHash(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hashes[name]
	return h, ok
}

// List returns copies of all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}
