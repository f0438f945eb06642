package registry

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
)

// RiskTier is the declared danger level of a tool.
type RiskTier string

const (
	TierMinimal  RiskTier = "minimal"
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// Valid reports whether t is one of the known tiers.
func (t RiskTier) Valid() bool {
	switch t {
	case TierMinimal, TierLow, TierMedium, TierHigh, TierCritical:
		return true
	}
	return false
}

// Runtime selects how a tool's handler is executed.
type Runtime string

const (
	RuntimeNative Runtime = "native"
	RuntimeWasm   Runtime = "wasm"
)

// Permission strings a tool may declare. Unknown permissions are allowed
// and carry no extra risk.
const (
	PermFilesystemWrite = "filesystem:write"
	PermDatabaseWrite   = "database:write"
	PermSecretsRead     = "secrets:read"
	PermExternalAPI     = "external:api"
)

// Tool is a registered tool definition. It is immutable once registered:
// Lookup hands out copies.
type Tool struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	RiskTier      RiskTier          `json:"risk_tier"`
	Permissions   []string          `json:"permissions,omitempty"`
	InputSchema   map[string]any    `json:"input_schema,omitempty"`
	Runtime       Runtime           `json:"runtime"`
	Version       string            `json:"version,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IntegrityHash string            `json:"integrity_hash"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// hashedFields is the part of a Tool covered by its integrity hash.
// Handlers, the hash itself and the registration time are excluded.
type hashedFields struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	RiskTier    RiskTier          `json:"risk_tier"`
	Permissions []string          `json:"permissions"`
	InputSchema map[string]any    `json:"input_schema"`
	Runtime     Runtime           `json:"runtime"`
	Version     string            `json:"version"`
	Metadata    map[string]string `json:"metadata"`
}

// ComputeHash returns the SHA-256 of the canonical JSON of t's declared
// metadata. Permission order does not affect the hash.
func ComputeHash(t *Tool) (string, error) {
	perms := slices.Clone(t.Permissions)
	slices.Sort(perms)
	runtime := t.Runtime
	if runtime == "" {
		runtime = RuntimeNative
	}
	h, err := canonical.Hash(hashedFields{
		Name:        t.Name,
		Description: t.Description,
		RiskTier:    t.RiskTier,
		Permissions: perms,
		InputSchema: t.InputSchema,
		Runtime:     runtime,
		Version:     t.Version,
		Metadata:    t.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("ComputeHash: %w", err)
	}
	return h, nil
}

// HasPermission reports whether the tool declares perm.
func (t *Tool) HasPermission(perm string) bool {
	return slices.Contains(t.Permissions, perm)
}

// Clone returns a deep copy of t.
func (t *Tool) Clone() *Tool {
	if t == nil {
		return nil
	}
	out := *t
	out.Permissions = slices.Clone(t.Permissions)
	out.Metadata = maps.Clone(t.Metadata)
	out.InputSchema = cloneAny(t.InputSchema).(map[string]any)
	return &out
}

func cloneAny(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneAny(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneAny(val)
		}
		return out
	default:
		return v
	}
}
