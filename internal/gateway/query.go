package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/approval"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
)

// ErrEvidenceDisabled is returned by evidence queries when no binder is wired.
var ErrEvidenceDisabled = errors.New("gateway: evidence binder not configured")

func (g *Gateway) ListTools() []*registry.Tool {
	return g.registry.List()
}

// RegisterTool compiles the tool's argument schema, registers it and
// audits the registration. actor names the operator.
func (g *Gateway) RegisterTool(ctx context.Context, def registry.Tool, h registry.Handler, actor string) (*registry.Tool, error) {
	if len(def.InputSchema) > 0 {
		if _, err := compileSchema(def.Name, def.InputSchema); err != nil {
			return nil, fmt.Errorf("%w: %v", registry.ErrInvalidTool, err)
		}
	}
	t, err := g.registry.RegisterTool(ctx, def, h)
	if err != nil {
		return nil, err
	}
	g.schemas.forget(t.Name)

	if _, err := g.audit.Log(audit.EventToolRegistered, operator(actor), audit.OutcomeSuccess, map[string]any{
		"version":        t.Version,
		"risk_tier":      string(t.RiskTier),
		"runtime":        string(t.Runtime),
		"integrity_hash": t.IntegrityHash,
	}, audit.Options{Target: t.Name}); err != nil {
		g.logger.Error("audit write failed", zap.String("tool_name", t.Name), zap.Error(err))
	}
	return t, nil
}

func (g *Gateway) UnregisterTool(ctx context.Context, name, actor string) error {
	if err := g.registry.UnregisterTool(ctx, name); err != nil {
		return err
	}
	g.schemas.forget(name)
	if _, err := g.audit.Log(audit.EventToolUnregistered, operator(actor), audit.OutcomeSuccess, nil,
		audit.Options{Target: name}); err != nil {
		g.logger.Error("audit write failed", zap.String("tool_name", name), zap.Error(err))
	}
	return nil
}

func operator(actor string) string {
	if actor == "" {
		return "operator"
	}
	return actor
}

func (g *Gateway) QueryAudit(q audit.Query) audit.Page {
	return g.audit.Query(q)
}

func (g *Gateway) AuditStats() audit.Stats {
	return g.audit.Stats()
}

// VerifyAudit checks the retained chain. A nil error means every entry's
// signature, hash and link verified.
func (g *Gateway) VerifyAudit() error {
	return g.audit.VerifyChain()
}

func (g *Gateway) TenantUsage(ctx context.Context, tenantID string) tenant.Usage {
	return g.quota.Usage(ctx, tenantID)
}

// RegisterTenantIdentifier marks id as belonging to tenantID for leak
// detection in other tenants' results.
func (g *Gateway) RegisterTenantIdentifier(tenantID, id string) {
	g.leaks.RegisterIdentifier(tenantID, id)
}

func (g *Gateway) PendingApprovals() []approval.Ticket {
	return g.approvals.Pending()
}

func (g *Gateway) Approve(ticketID, approver, reason string) error {
	return g.approvals.Approve(ticketID, approver, reason)
}

func (g *Gateway) Deny(ticketID, approver, reason string) error {
	return g.approvals.Deny(ticketID, approver, reason)
}

// Evidence returns a binding and its lineage: the binding itself followed
// by every binding it references, transitively.
func (g *Gateway) Evidence(id string) (*evidence.Binding, []*evidence.Binding, error) {
	if g.evidence == nil {
		return nil, nil, ErrEvidenceDisabled
	}
	b, err := g.evidence.Get(id)
	if err != nil {
		return nil, nil, err
	}
	lineage, err := g.evidence.Lineage(id)
	if err != nil {
		return nil, nil, err
	}
	return b, lineage, nil
}

// ExportEvidence returns a binding encoded as "json" (the default) or
// "cbor".
func (g *Gateway) ExportEvidence(id, format string) ([]byte, error) {
	if g.evidence == nil {
		return nil, ErrEvidenceDisabled
	}
	switch format {
	case "", "json":
		return g.evidence.Export(id)
	case "cbor":
		return g.evidence.ExportCBOR(id)
	default:
		return nil, fmt.Errorf("ExportEvidence: unknown format %q", format)
	}
}

// ValidateEvidence decodes an exported binding (JSON or CBOR) and checks it
// against the gateway key without importing it.
func (g *Gateway) ValidateEvidence(data []byte) (*evidence.Binding, evidence.Validation, error) {
	if g.evidence == nil {
		return nil, evidence.Validation{}, ErrEvidenceDisabled
	}
	decode := evidence.DecodeCBOR
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		decode = evidence.Decode
	}
	b, err := decode(data)
	if err != nil {
		return nil, evidence.Validation{}, err
	}
	return b, g.evidence.Validate(b), nil
}
