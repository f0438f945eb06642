package server

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/config"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine/evaluators"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
)

const (
	agentKey = "key-agent"
	adminKey = "key-admin"
)

var testPrincipals = map[string]auth.Principal{
	agentKey: {TenantID: "acme", ActorID: "agent-1", ActorType: "agent", Role: "developer"},
	adminKey: {TenantID: "acme", ActorID: "ops-1", ActorType: "human", Role: "admin"},
}

// newTestGateway wires a gateway scored on risk tier alone with an echo
// tool (minimal) and a deploy tool (medium, needs approval).
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *gateway.Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Approval.Timeout = 2 * time.Second
	cfg.Sandbox.Timeout = time.Second
	for _, m := range mutate {
		m(&cfg)
	}

	exec, err := sandbox.NewExecutor(context.Background(), sandbox.Options{
		Limits:        gateway.SandboxLimits(cfg.Sandbox),
		MaxConcurrent: 2,
		ScratchRoot:   t.TempDir(),
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	t.Cleanup(func() { _ = exec.Close(context.Background()) })

	st, err := audit.New(audit.Config{SigningKey: []byte("audit-key")})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	binder, err := evidence.NewBinder(evidence.Config{SigningKey: []byte("evidence-key")})
	if err != nil {
		t.Fatalf("NewBinder: %v", err)
	}

	gw, err := gateway.New(gateway.Options{
		Config:        cfg,
		Authenticator: auth.NewStaticAuthenticator(testPrincipals),
		Registry:      registry.New(registry.Options{BlockedNames: cfg.Integrity.BlockedNames}),
		Engine: engine.New(
			[]engine.Evaluator{evaluators.NewRiskTierEvaluator()},
			gateway.AggregatorConfig(cfg.Risk),
			time.Second,
			zap.NewNop(),
		),
		Limiter:  tenant.NewMemoryLimiter(gateway.LimiterConfig(cfg.RateLimit), nil),
		Quota:    tenant.NewQuotaManager(gateway.QuotaOptions(cfg.Quota)),
		Sandbox:  exec,
		Audit:    st,
		Evidence: binder,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	echo := registry.HandlerFunc(func(_ context.Context, inv *registry.Invocation) (any, error) {
		return inv.Arguments, nil
	})
	for _, def := range []registry.Tool{
		{Name: "echo", Description: "returns its arguments", RiskTier: registry.TierMinimal},
		{Name: "deploy", Description: "deploys a service", RiskTier: registry.TierMedium},
	} {
		if _, err := gw.RegisterTool(context.Background(), def, echo, "ops"); err != nil {
			t.Fatalf("RegisterTool(%s): %v", def.Name, err)
		}
	}
	return gw
}
