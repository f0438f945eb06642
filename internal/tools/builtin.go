// Package tools holds the gateway's built-in tools and loads WASM tools
// from disk.
package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition registry.Tool
	Handler    registry.Handler
}

// Registrar is satisfied by *gateway.Gateway.
type Registrar interface {
	RegisterTool(ctx context.Context, def registry.Tool, h registry.Handler, actor string) (*registry.Tool, error)
}

// ErrNoEnvironment is returned by tools that need the sandbox environment
// when invoked without one.
var ErrNoEnvironment = errors.New("tools: handler needs a sandbox environment")

const (
	maxFetchBody   = 256 << 10
	fetchTimeout   = 10 * time.Second
	builtinActor   = "system"
	builtinVersion = "1.0.0"
)

// Builtins returns the built-in tool set.
func Builtins() []Tool {
	return []Tool{
		{
			Definition: registry.Tool{
				Name:        "echo",
				Description: "Returns its arguments unchanged.",
				RiskTier:    registry.TierMinimal,
				Version:     builtinVersion,
				InputSchema: map[string]any{"type": "object"},
			},
			Handler: registry.HandlerFunc(echo),
		},
		{
			Definition: registry.Tool{
				Name:        "scratch_write",
				Description: "Writes text into the invocation's scratch directory.",
				RiskTier:    registry.TierLow,
				Permissions: []string{registry.PermFilesystemWrite},
				Version:     builtinVersion,
				InputSchema: map[string]any{
					"type":     "object",
					"required": []any{"path", "content"},
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "minLength": 1},
						"content": map[string]any{"type": "string"},
					},
					"additionalProperties": false,
				},
			},
			Handler: registry.HandlerFunc(scratchWrite),
		},
		{
			Definition: registry.Tool{
				Name:        "http_fetch",
				Description: "Fetches a URL with GET and returns the status and body.",
				RiskTier:    registry.TierMedium,
				Permissions: []string{registry.PermExternalAPI},
				Version:     builtinVersion,
				InputSchema: map[string]any{
					"type":     "object",
					"required": []any{"url"},
					"properties": map[string]any{
						"url": map[string]any{"type": "string", "pattern": "^https?://"},
					},
					"additionalProperties": false,
				},
			},
			Handler: registry.HandlerFunc(httpFetch),
		},
	}
}

// Register registers every tool in ts through r.
func Register(ctx context.Context, r Registrar, ts []Tool) error {
	for _, t := range ts {
		if _, err := r.RegisterTool(ctx, t.Definition, t.Handler, builtinActor); err != nil {
			return fmt.Errorf("Register %s: %w", t.Definition.Name, err)
		}
	}
	return nil
}

func echo(_ context.Context, inv *registry.Invocation) (any, error) {
	return inv.Arguments, nil
}

func scratchWrite(_ context.Context, inv *registry.Invocation) (any, error) {
	if inv.Env == nil {
		return nil, ErrNoEnvironment
	}
	path, _ := inv.Arguments["path"].(string)
	content, _ := inv.Arguments["content"].(string)
	if err := inv.Env.WriteFile(path, []byte(content)); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

func httpFetch(ctx context.Context, inv *registry.Invocation) (any, error) {
	if inv.Env == nil {
		return nil, ErrNoEnvironment
	}
	url, _ := inv.Arguments["url"].(string)

	// every connection goes through the sandbox dialer
	client := &http.Client{
		Timeout: fetchTimeout,
		Transport: &http.Transport{
			DialContext:       inv.Env.Dial,
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody+1))
	if err != nil {
		return nil, fmt.Errorf("http_fetch: read body: %w", err)
	}
	truncated := len(body) > maxFetchBody
	if truncated {
		body = body[:maxFetchBody]
	}
	return map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         strings.ToValidUTF8(string(body), "\uFFFD"),
		"truncated":    truncated,
	}, nil
}
