package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// schemaCache compiles tool input schemas once per integrity hash.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) schemaFor(t *registry.Tool) (*jsonschema.Schema, error) {
	if len(t.InputSchema) == 0 {
		return nil, nil
	}
	key := t.Name + "@" + t.IntegrityHash

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}
	s, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		return nil, err
	}
	c.compiled[key] = s
	return s, nil
}

func (c *schemaCache) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.compiled {
		if strings.HasPrefix(key, name+"@") {
			delete(c.compiled, key)
		}
	}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := jsonValue(schema)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	url := name + ".schema.json"
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	s, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	return s, nil
}

// validateArguments checks args against the tool schema. Arguments are
// normalized through JSON first so Go callers may pass ints and structs.
func (c *schemaCache) validateArguments(t *registry.Tool, args map[string]any) error {
	s, err := c.schemaFor(t)
	if err != nil || s == nil {
		return err
	}
	if args == nil {
		args = map[string]any{}
	}
	doc, err := jsonValue(args)
	if err != nil {
		return err
	}
	return s.Validate(doc)
}

func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
