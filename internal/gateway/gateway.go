// Package gateway is the request pipeline every tool call passes through:
// authentication, admission, integrity, risk, approval, privacy, sandboxed
// execution, leak scanning and audit. ProcessRequest never returns an error;
// every outcome is a Response and every denial is audited before it returns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/approval"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/config"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/privacy"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
)

// DefaultTenant is used when authentication is disabled and the caller
// names no tenant.
const DefaultTenant = "default"

const anonymousActor = "anonymous"

var ErrMissingDependency = errors.New("gateway: missing dependency")

// Options wires a Gateway. Leaks, Tokenizer and Approvals are built from
// Config when nil; Evidence is optional and disables bindings when nil.
type Options struct {
	Config        config.Config
	Authenticator auth.Authenticator
	Registry      *registry.Registry
	Engine        *engine.Engine
	Limiter       tenant.RateLimiter
	Quota         *tenant.QuotaManager
	Leaks         *tenant.LeakDetector
	Tokenizer     *privacy.Tokenizer
	Approvals     *approval.Gate
	Sandbox       *sandbox.Executor
	Audit         *audit.Store
	Evidence      *evidence.Binder

	Logger         *zap.Logger
	Now            func() time.Time
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type Gateway struct {
	cfg       config.Config
	auth      auth.Authenticator
	registry  *registry.Registry
	engine    *engine.Engine
	limiter   tenant.RateLimiter
	quota     *tenant.QuotaManager
	leaks     *tenant.LeakDetector
	tokenizer *privacy.Tokenizer
	approvals *approval.Gate
	sandbox   *sandbox.Executor
	audit     *audit.Store
	evidence  *evidence.Binder

	input        *inputFilter
	schemas      *schemaCache
	autoApproved map[string]bool
	tel          *telemetry
	logger       *zap.Logger
	now          func() time.Time
}

func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Registry == nil:
		return nil, fmt.Errorf("%w: registry", ErrMissingDependency)
	case opts.Engine == nil:
		return nil, fmt.Errorf("%w: engine", ErrMissingDependency)
	case opts.Limiter == nil:
		return nil, fmt.Errorf("%w: rate limiter", ErrMissingDependency)
	case opts.Quota == nil:
		return nil, fmt.Errorf("%w: quota manager", ErrMissingDependency)
	case opts.Sandbox == nil:
		return nil, fmt.Errorf("%w: sandbox", ErrMissingDependency)
	case opts.Audit == nil:
		return nil, fmt.Errorf("%w: audit store", ErrMissingDependency)
	case opts.Authenticator == nil && opts.Config.Auth.IsRequired():
		return nil, fmt.Errorf("%w: authenticator", ErrMissingDependency)
	}

	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Leaks == nil {
		opts.Leaks = tenant.NewLeakDetector(cfg.Leak.IsScanPII())
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = privacy.NewTokenizer(privacy.TokenizerOptions{TTL: cfg.Privacy.TokenTTL, Now: opts.Now})
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.NewGate(approval.Options{
			Mode:    approval.Mode(cfg.Approval.Mode),
			Timeout: cfg.Approval.Timeout,
			Logger:  opts.Logger,
			Now:     opts.Now,
		})
	}

	input, err := newInputFilter(cfg.Input.BlockPatterns, cfg.Input.IsCaseSensitive())
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	tel, err := newTelemetry(opts.TracerProvider, opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	autoApproved := make(map[string]bool, len(cfg.Risk.AutoApprovedTools))
	for _, name := range cfg.Risk.AutoApprovedTools {
		autoApproved[name] = true
	}

	return &Gateway{
		cfg:          cfg,
		auth:         opts.Authenticator,
		registry:     opts.Registry,
		engine:       opts.Engine,
		limiter:      opts.Limiter,
		quota:        opts.Quota,
		leaks:        opts.Leaks,
		tokenizer:    opts.Tokenizer,
		approvals:    opts.Approvals,
		sandbox:      opts.Sandbox,
		audit:        opts.Audit,
		evidence:     opts.Evidence,
		input:        input,
		schemas:      newSchemaCache(),
		autoApproved: autoApproved,
		tel:          tel,
		logger:       opts.Logger,
		now:          opts.Now,
	}, nil
}

// call is the per-request state threaded through the stages.
type call struct {
	req  *Request
	id   string
	rc   engine.RequestContext
	span trace.Span
	meta Metadata

	tool    *registry.Tool
	handler registry.Handler

	assessment    *engine.RiskAssessment
	riskEntry     *audit.Entry
	approvalEntry *audit.Entry
	execEntry     *audit.Entry

	// denyDetails are merged into the request.denied audit entry.
	denyDetails map[string]any
}

func (c *call) actor() string {
	if c.rc.ActorID == "" {
		return anonymousActor
	}
	return c.rc.ActorID
}

// ProcessRequest runs req through the pipeline.
func (g *Gateway) ProcessRequest(ctx context.Context, req *Request) *Response {
	start := g.now()
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := g.tel.tracer.Start(ctx, "gateway.ProcessRequest", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("tool.name", req.ToolName),
	))
	defer span.End()

	c := &call{
		req:  req,
		id:   id,
		rc:   req.Context,
		span: span,
		meta: Metadata{RequestID: id},
	}
	resp := g.run(ctx, c)

	elapsed := g.now().Sub(start)
	resp.Metadata.DurationMs = elapsed.Milliseconds()
	if resp.Error != nil {
		span.SetStatus(otelcodes.Error, string(resp.Error.Code))
	}
	g.tel.record(ctx, req.ToolName, resp, elapsed)

	fields := []zap.Field{
		zap.String("request_id", id),
		zap.String("tenant_id", c.rc.TenantID),
		zap.String("tool_name", req.ToolName),
		zap.Duration("duration", elapsed),
	}
	if resp.Error != nil {
		g.logger.Info("request denied", append(fields, zap.String("code", string(resp.Error.Code)))...)
	} else {
		g.logger.Info("request completed", fields...)
	}
	return resp
}

func (g *Gateway) run(ctx context.Context, c *call) *Response {
	if gerr := g.authenticate(ctx, c); gerr != nil {
		return g.deny(c, gerr)
	}
	c.span.SetAttributes(attribute.String("tenant.id", c.rc.TenantID))
	stageEvent(c.span, "authenticated")

	adm := g.admit(ctx, c)
	if gerr := g.verdict(c, adm); gerr != nil {
		if adm.blocked && gerr.Code == CodeInputBlocked {
			c.denyDetails = map[string]any{"path": adm.path, "pattern": adm.pattern}
		}
		return g.deny(c, gerr)
	}
	c.tool, c.handler = adm.tool, adm.handler
	stageEvent(c.span, "admitted", attribute.String("tool.tier", string(c.tool.RiskTier)))

	if gerr := g.checkIntegrity(c); gerr != nil {
		return g.deny(c, gerr)
	}
	if err := g.schemas.validateArguments(c.tool, c.req.Arguments); err != nil {
		return g.deny(c, fatal(CodeInvalidArguments, "arguments rejected by %s schema: %v", c.tool.Name, err))
	}

	qc, release := g.quota.Begin(ctx, c.rc.TenantID, c.tool.Name, adm.argBytes)
	if !qc.Allowed {
		c.meta.QuotaViolations = qc.Violations
		return g.deny(c, quotaError(qc))
	}
	defer release()

	if gerr := g.assess(ctx, c); gerr != nil {
		return g.deny(c, gerr)
	}
	if gerr := g.approve(ctx, c); gerr != nil {
		return g.deny(c, gerr)
	}

	args := g.tokenize(c)

	res, gerr := g.execute(ctx, c, args)
	if gerr != nil {
		return g.deny(c, gerr)
	}

	out, gerr := g.scanLeaks(c, res.Output)
	if gerr != nil {
		return g.deny(c, gerr)
	}

	data := g.complete(c, res, out)
	g.bindEvidence(c)

	return &Response{Success: true, Data: data, Metadata: c.meta}
}

func (g *Gateway) authenticate(ctx context.Context, c *call) *Error {
	g.pinEnvironment(c)
	if !g.cfg.Auth.IsRequired() {
		if c.rc.TenantID == "" {
			c.rc.TenantID = DefaultTenant
		}
		return nil
	}
	if c.req.Credential == "" {
		return fatal(CodeAuthFailed, "missing credential")
	}
	p, err := g.auth.Authenticate(ctx, c.req.Credential)
	if err != nil {
		g.logger.Warn("authentication failed",
			zap.String("request_id", c.id),
			zap.Error(err),
		)
		return fatal(CodeAuthFailed, "invalid credential")
	}
	c.rc.TenantID = p.TenantID
	c.rc.ActorID = p.ActorID
	c.rc.ActorType = p.ActorType
	c.rc.Role = p.Role
	return nil
}

// pinEnvironment replaces the caller-claimed environment with the
// configured deployment environment, if one is set.
func (g *Gateway) pinEnvironment(c *call) {
	env := g.cfg.Risk.Environment
	if env == "" || c.rc.Environment == env {
		return
	}
	if c.rc.Environment != "" {
		g.logger.Warn("caller environment overridden",
			zap.String("request_id", c.id),
			zap.String("claimed", c.rc.Environment),
			zap.String("environment", env),
		)
	}
	c.rc.Environment = env
}

func (g *Gateway) checkIntegrity(c *call) *Error {
	err := g.registry.Verify(c.tool)
	if err == nil {
		return nil
	}
	if g.cfg.Integrity.IsFailOnMismatch() {
		c.denyDetails = map[string]any{"verify_error": err.Error()}
		return fatal(CodeToolModified, "tool %q failed integrity verification", c.tool.Name)
	}

	g.logger.Warn("tool integrity mismatch tolerated",
		zap.String("request_id", c.id),
		zap.String("tool_name", c.tool.Name),
		zap.Error(err),
	)
	g.log(c, audit.EventIntegrityWarning, audit.OutcomeWarning, map[string]any{
		"request_id":   c.id,
		"verify_error": err.Error(),
	}, audit.Options{Tags: []string{string(CodeToolModified)}})
	stageEvent(c.span, "integrity.warning")
	return nil
}

func (g *Gateway) assess(ctx context.Context, c *call) *Error {
	ra := g.engine.Assess(ctx, &engine.AssessRequest{
		Tool:       c.tool,
		Arguments:  c.req.Arguments,
		Context:    c.rc,
		Deceptive:  c.req.Deceptive,
		Reward:     c.req.Reward,
		SourceCode: c.req.SourceCode,
	})
	c.assessment = ra
	c.meta.Risk = &RiskMeta{
		AssessmentID:   ra.ID,
		Score:          ra.Score,
		Level:          ra.Level,
		Recommendation: ra.Recommendation,
	}

	factors := make([]string, 0, len(ra.Factors))
	for _, f := range ra.Factors {
		factors = append(factors, f.Name)
	}
	outcome := audit.OutcomeSuccess
	if ra.Recommendation == engine.RecommendBlock {
		outcome = audit.OutcomeDenied
	}
	c.riskEntry = g.log(c, audit.EventRiskAssessed, outcome, map[string]any{
		"request_id":        c.id,
		"score":             ra.Score,
		"recommendation":    string(ra.Recommendation),
		"requires_approval": ra.RequiresApproval,
		"factors":           factors,
		"safeguards":        ra.Safeguards,
		"unavailable":       ra.Unavailable,
	}, audit.Options{Tags: []string{string(ra.Recommendation)}})

	stageEvent(c.span, "risk.assessed",
		attribute.Float64("risk.score", ra.Score),
		attribute.String("risk.recommendation", string(ra.Recommendation)),
	)

	if ra.Recommendation == engine.RecommendBlock {
		return fatal(CodeRiskBlocked, "risk score %.2f exceeds the block threshold", ra.Score)
	}
	return nil
}

func (g *Gateway) approve(ctx context.Context, c *call) *Error {
	ra := c.assessment
	if g.autoApproved[c.tool.Name] || !g.approvals.Required(c.rc.TenantID, c.tool.Name, ra.RequiresApproval) {
		c.meta.Approval = &ApprovalMeta{Status: approval.StatusNotRequired}
		return nil
	}

	stageEvent(c.span, "approval.requested")
	d := g.approvals.Request(ctx, approval.Ticket{
		RequestID:      c.id,
		TenantID:       c.rc.TenantID,
		ActorID:        c.rc.ActorID,
		ToolName:       c.tool.Name,
		AssessmentID:   ra.ID,
		Score:          ra.Score,
		Recommendation: string(ra.Recommendation),
		Safeguards:     ra.Safeguards,
	})
	c.meta.Approval = &ApprovalMeta{
		Required: true,
		Status:   d.Status,
		Approver: d.Approver,
		WaitedMs: d.Waited.Milliseconds(),
	}

	outcome := audit.OutcomeDenied
	if d.Status == approval.StatusApproved {
		outcome = audit.OutcomeSuccess
	}
	c.approvalEntry = g.log(c, audit.EventApprovalDecided, outcome, map[string]any{
		"request_id": c.id,
		"ticket_id":  d.TicketID,
		"status":     string(d.Status),
		"approver":   d.Approver,
		"reason":     d.Reason,
		"waited_ms":  d.Waited.Milliseconds(),
	}, audit.Options{Tags: []string{string(d.Status)}})
	stageEvent(c.span, "approval.decided", attribute.String("approval.status", string(d.Status)))

	switch d.Status {
	case approval.StatusApproved:
		return nil
	case approval.StatusDenied:
		return fatal(CodeApprovalDenied, "approval denied by %s", d.Approver)
	default:
		return retryable(CodeApprovalTimeout, approvalRetryHint, "approval not granted (%s)", d.Status)
	}
}

func (g *Gateway) tokenize(c *call) map[string]any {
	if !g.cfg.Privacy.IsEnabled() {
		c.meta.Privacy = &PrivacyMeta{}
		return c.req.Arguments
	}
	res := g.tokenizer.Tokenize(c.rc.TenantID, c.req.Arguments)
	c.meta.Privacy = &PrivacyMeta{Tokenized: res.Count > 0, Fields: res.Fields}
	if res.Count > 0 {
		stageEvent(c.span, "privacy.tokenized", attribute.Int("privacy.count", res.Count))
	}
	return res.Value
}

// deny audits the failure and builds the error response. The audit write
// is synchronous so the entry exists before the caller sees the response.
func (g *Gateway) deny(c *call, gerr *Error) *Response {
	details := map[string]any{
		"request_id": c.id,
		"code":       string(gerr.Code),
		"message":    gerr.Message,
		"retryable":  gerr.Retryable,
	}
	if gerr.Retryable {
		details["retry_after_ms"] = gerr.RetryAfterMs
	}
	for k, v := range c.denyDetails {
		details[k] = v
	}
	opts := audit.Options{Tags: []string{string(gerr.Code)}}
	g.log(c, audit.EventRequestDenied, audit.OutcomeDenied, details, opts)
	stageEvent(c.span, "denied", attribute.String("code", string(gerr.Code)))

	return &Response{Success: false, Error: gerr, Metadata: c.meta}
}

// log writes an audit entry scoped to the call. Failures are logged and
// yield a nil entry.
func (g *Gateway) log(c *call, eventType string, outcome audit.Outcome, details map[string]any, opts audit.Options) *audit.Entry {
	opts.Target = c.req.ToolName
	opts.TenantID = c.rc.TenantID
	if c.assessment != nil {
		opts.AssessmentID = c.assessment.ID
		opts.RiskLevel = string(c.assessment.Level)
	}
	e, err := g.audit.Log(eventType, c.actor(), outcome, details, opts)
	if err != nil {
		g.logger.Error("audit write failed",
			zap.String("request_id", c.id),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return nil
	}
	return e
}
