package gateway

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/sandbox"
)

// runsDirect reports whether a tool skips the sandbox. Only native
// minimal-tier tools do.
func runsDirect(t *registry.Tool) bool {
	return t.RiskTier == registry.TierMinimal && t.Runtime != registry.RuntimeWasm
}

func (g *Gateway) execute(ctx context.Context, c *call, args map[string]any) (*sandbox.Result, *Error) {
	if c.handler == nil {
		return nil, fatal(CodeHandlerNotFound, "no handler registered for tool %q", c.tool.Name)
	}

	inv := &registry.Invocation{
		RequestID: c.id,
		ToolName:  c.tool.Name,
		TenantID:  c.rc.TenantID,
		Arguments: args,
	}
	direct := runsDirect(c.tool)
	start := g.now()

	var (
		res *sandbox.Result
		err error
	)
	if direct {
		res, err = sandbox.Direct(ctx, c.handler, inv)
	} else {
		res, err = g.sandbox.Execute(ctx, sandbox.Job{Tool: c.tool, Handler: c.handler, Invocation: inv})
	}

	if err != nil {
		elapsed := g.now().Sub(start)
		kind := sandbox.KindNative
		switch {
		case direct:
			kind = sandbox.KindDirect
		case c.tool.Runtime == registry.RuntimeWasm:
			kind = sandbox.KindWasm
		}
		c.meta.Sandbox = &SandboxMeta{Used: !direct, Kind: kind, DurationMs: elapsed.Milliseconds()}
		return nil, g.executionError(c, err, elapsed.Milliseconds())
	}

	c.meta.Sandbox = &SandboxMeta{
		Used:       res.Kind != sandbox.KindDirect,
		Kind:       res.Kind,
		DurationMs: res.Duration.Milliseconds(),
	}
	stageEvent(c.span, "executed", attribute.String("sandbox.kind", res.Kind))
	return res, nil
}

func (g *Gateway) executionError(c *call, err error, elapsedMs int64) *Error {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return retryable(CodeSandboxTimeout, sandboxRetryHint, "tool %q exceeded its time limit", c.tool.Name)
	case errors.Is(err, sandbox.ErrLimitExceeded), errors.Is(err, sandbox.ErrNetworkDenied):
		return fatal(CodeSandboxLimitExceeded, "tool %q: %v", c.tool.Name, err)
	}

	var pe *sandbox.PanicError
	if errors.As(err, &pe) {
		g.logger.Error("tool handler panicked",
			zap.String("request_id", c.id),
			zap.String("tool_name", c.tool.Name),
			zap.Any("panic", pe.Value),
			zap.ByteString("stack", pe.Stack),
		)
	}
	c.denyDetails = map[string]any{"elapsed_ms": elapsedMs}
	return fatal(CodeExecutionError, "tool %q failed after %dms: %v", c.tool.Name, elapsedMs, err)
}

// scanLeaks checks the raw result for the caller's tenant. With
// auto-sanitize the redacted copy replaces the result.
func (g *Gateway) scanLeaks(c *call, out any) (any, *Error) {
	auto := g.cfg.Leak.IsAutoSanitize()
	report, err := g.leaks.Scan(c.rc.TenantID, out, auto)
	if err != nil {
		return nil, fatal(CodeExecutionError, "tool result could not be scanned: %v", err)
	}
	if report.Safe {
		c.meta.Leaks = &LeakMeta{}
		return report.Value, nil
	}

	types := map[string]bool{}
	var tenants []string
	for _, l := range report.Leaks {
		types[l.Type] = true
		if l.LeakedTenant != "" {
			tenants = append(tenants, l.LeakedTenant)
		}
	}
	typeList := make([]string, 0, len(types))
	for t := range types {
		typeList = append(typeList, t)
	}
	sort.Strings(typeList)

	outcome := audit.OutcomeDenied
	if auto {
		outcome = audit.OutcomeWarning
	}
	g.log(c, audit.EventTenantLeak, outcome, map[string]any{
		"request_id":     c.id,
		"count":          len(report.Leaks),
		"types":          typeList,
		"leaked_tenants": tenants,
		"sanitized":      report.Sanitized,
	}, audit.Options{Tags: typeList})

	g.logger.Warn("tool result leaked data",
		zap.String("request_id", c.id),
		zap.String("tenant_id", c.rc.TenantID),
		zap.Int("count", len(report.Leaks)),
		zap.Strings("types", typeList),
	)

	if !auto {
		return nil, fatal(CodeTenantLeak, "tool result contains %d leaked value(s)", len(report.Leaks))
	}
	c.meta.Leaks = &LeakMeta{Count: len(report.Leaks), Sanitized: report.Sanitized}
	stageEvent(c.span, "leaks.sanitized", attribute.Int("leaks.count", len(report.Leaks)))
	return report.Value, nil
}

// complete restores tokenized values and writes the completion entry
// concurrently. The two share no state.
func (g *Gateway) complete(c *call, res *sandbox.Result, out any) any {
	var (
		data  any
		entry *audit.Entry
		eg    errgroup.Group
	)
	eg.Go(func() error {
		data = out
		if g.cfg.Privacy.IsEnabled() {
			data = g.tokenizer.Detokenize(c.rc.TenantID, out)
		}
		return nil
	})
	eg.Go(func() error {
		pii := 0
		if c.meta.Privacy != nil {
			pii = len(c.meta.Privacy.Fields)
		}
		entry = g.log(c, audit.EventToolExecuted, audit.OutcomeSuccess, map[string]any{
			"request_id":  c.id,
			"kind":        res.Kind,
			"duration_ms": res.Duration.Milliseconds(),
			"connections": res.Connections,
			"disk_bytes":  res.DiskBytes,
			"pii_fields":  pii,
		}, audit.Options{Tags: []string{res.Kind}})
		return nil
	})
	_ = eg.Wait()

	c.execEntry = entry
	return data
}

// bindEvidence seals the assessment, approval and execution entries into
// linked bindings for requests the engine did not simply let through. An
// approval binding exists only when the gate was consulted.
func (g *Gateway) bindEvidence(c *call) {
	ra := c.assessment
	if g.evidence == nil || !g.cfg.Evidence.IsBindHighRisk() {
		return
	}
	if !ra.Recommendation.AtLeast(engine.RecommendApprove) || c.riskEntry == nil || c.execEntry == nil {
		return
	}

	meta := map[string]string{
		"request_id":    c.id,
		"tenant_id":     c.rc.TenantID,
		"tool_name":     c.tool.Name,
		"assessment_id": ra.ID,
	}
	steps := []struct {
		kind  string
		entry *audit.Entry
	}{
		{evidence.KindAssessment, c.riskEntry},
		{evidence.KindApproval, c.approvalEntry},
		{evidence.KindExecution, c.execEntry},
	}

	var parent string
	for _, s := range steps {
		if s.entry == nil {
			continue
		}
		opts := evidence.Options{Metadata: meta}
		if parent != "" {
			opts.References = []string{parent}
		}
		b, err := g.evidence.CreateBinding(s.kind, []*audit.Entry{s.entry}, opts)
		if err != nil {
			g.logger.Error("evidence binding failed",
				zap.String("request_id", c.id),
				zap.String("kind", s.kind),
				zap.Error(err),
			)
			return
		}
		parent = b.ID
	}
	c.meta.EvidenceBindingID = parent
	stageEvent(c.span, "evidence.bound", attribute.String("evidence.binding_id", parent))
}
