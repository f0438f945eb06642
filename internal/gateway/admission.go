package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
)

// inputFilter rejects arguments matching any configured block pattern.
type inputFilter struct {
	patterns []*regexp.Regexp
}

func newInputFilter(patterns []string, caseSensitive bool) (*inputFilter, error) {
	f := &inputFilter{}
	for _, p := range patterns {
		expr := p
		if !caseSensitive {
			expr = "(?i)" + p
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("block pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// check walks keys and string values in a stable order and returns the
// first blocked path.
func (f *inputFilter) check(args map[string]any) (path string, pattern string, blocked bool) {
	if len(f.patterns) == 0 {
		return "", "", false
	}
	return f.walk("", args)
}

func (f *inputFilter) walk(path string, v any) (string, string, bool) {
	switch t := v.(type) {
	case string:
		for _, re := range f.patterns {
			if re.MatchString(t) {
				return path, re.String(), true
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if p, re, ok := f.walk(child, k); ok {
				return p, re, ok
			}
			if p, re, ok := f.walk(child, t[k]); ok {
				return p, re, ok
			}
		}
	case []any:
		for i, item := range t {
			if p, re, ok := f.walk(fmt.Sprintf("%s[%d]", path, i), item); ok {
				return p, re, ok
			}
		}
	}
	return "", "", false
}

// admission holds the independent results of the parallel phase. Each
// goroutine writes only its own fields.
type admission struct {
	rate     tenant.Decision
	rateErr  error
	quota    tenant.QuotaCheck
	blocked  bool
	path     string
	pattern  string
	tool     *registry.Tool
	handler  registry.Handler
	toolErr  error
	argBytes int64
}

func (g *Gateway) admit(ctx context.Context, c *call) *admission {
	a := &admission{}
	if b, err := json.Marshal(c.req.Arguments); err == nil {
		a.argBytes = int64(len(b))
	}

	var eg errgroup.Group
	eg.Go(func() error {
		key := tenant.Key{Tenant: c.rc.TenantID, Tool: c.req.ToolName}
		a.rate, a.rateErr = g.limiter.CheckLimit(ctx, key)
		return nil
	})
	eg.Go(func() error {
		a.quota = g.quota.CheckQuota(ctx, c.rc.TenantID, c.req.ToolName, a.argBytes)
		return nil
	})
	eg.Go(func() error {
		a.path, a.pattern, a.blocked = g.input.check(c.req.Arguments)
		return nil
	})
	eg.Go(func() error {
		a.tool, a.handler, a.toolErr = g.registry.Lookup(ctx, c.req.ToolName)
		return nil
	})
	_ = eg.Wait()
	return a
}

// verdict applies the fixed precedence: rate limit, quota, input, lookup.
func (g *Gateway) verdict(c *call, a *admission) *Error {
	if a.rateErr != nil {
		g.logger.Error("rate limiter unavailable",
			zap.String("tenant_id", c.rc.TenantID),
			zap.Error(a.rateErr),
		)
		return retryable(CodeRateLimited, limiterRetryHint, "rate limiter unavailable")
	}
	if !a.rate.Allowed {
		return retryable(CodeRateLimited, a.rate.RetryAfter,
			"rate limit of %d requests exceeded for tenant %s", a.rate.Limit, c.rc.TenantID)
	}
	if !a.quota.Allowed {
		c.meta.QuotaViolations = a.quota.Violations
		return quotaError(a.quota)
	}
	if a.blocked {
		return fatal(CodeInputBlocked, "argument %q matches a blocked pattern", a.path)
	}
	if a.toolErr != nil {
		if errors.Is(a.toolErr, registry.ErrToolNotFound) {
			return fatal(CodeToolNotFound, "tool %q is not registered", c.req.ToolName)
		}
		return fatal(CodeToolNotFound, "tool %q could not be loaded: %v", c.req.ToolName, a.toolErr)
	}
	return nil
}

func quotaError(q tenant.QuotaCheck) *Error {
	dims := make([]string, 0, len(q.Violations))
	for _, v := range q.Violations {
		dims = append(dims, v.Dimension)
	}
	if q.Retryable() {
		return retryable(CodeQuotaExceeded, q.RetryAfter(), "quota exceeded: %v", dims)
	}
	return fatal(CodeQuotaExceeded, "quota exceeded: %v", dims)
}
