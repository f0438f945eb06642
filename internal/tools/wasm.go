package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// manifest is the optional <name>.yaml next to <name>.wasm.
type manifest struct {
	Description string            `yaml:"description"`
	RiskTier    string            `yaml:"risk_tier"`
	Permissions []string          `yaml:"permissions"`
	Version     string            `yaml:"version"`
	InputSchema map[string]any    `yaml:"input_schema"`
	Metadata    map[string]string `yaml:"metadata"`

	// IntegrityHash pins the definition; registration fails on mismatch.
	IntegrityHash string `yaml:"integrity_hash"`
}

// WASM tools without a manifest are treated as high risk.
const defaultWasmTier = registry.TierHigh

// LoadWasmDir reads every *.wasm file in dir. The tool name is the file
// name without its extension. A missing dir yields no tools.
func LoadWasmDir(dir string) ([]Tool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadWasmDir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Tool
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".wasm")
		t, err := loadWasm(dir, name)
		if err != nil {
			return nil, fmt.Errorf("LoadWasmDir: %s: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func loadWasm(dir, name string) (Tool, error) {
	binary, err := os.ReadFile(filepath.Join(dir, name+".wasm"))
	if err != nil {
		return Tool{}, err
	}
	var m manifest
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Tool{}, err
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Tool{}, fmt.Errorf("manifest: %w", err)
		}
	}

	tier := registry.RiskTier(m.RiskTier)
	if tier == "" {
		tier = defaultWasmTier
	}
	if !tier.Valid() {
		return Tool{}, fmt.Errorf("manifest: unknown risk tier %q", m.RiskTier)
	}
	return Tool{
		Definition: registry.Tool{
			Name:        name,
			Description: m.Description,
			RiskTier:    tier,
			Permissions: m.Permissions,
			InputSchema: m.InputSchema,
			Runtime:     registry.RuntimeWasm,
			Version:     m.Version,
			Metadata:    m.Metadata,

			IntegrityHash: m.IntegrityHash,
		},
		Handler: &registry.WasmModule{Binary: binary},
	}, nil
}
