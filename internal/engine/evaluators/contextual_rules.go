package evaluators

import (
	"context"
	"slices"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
)

// ContextPenalties configures ContextualRulesEvaluator.
type ContextPenalties struct {
	Production     float64
	Staging        float64
	ElevatedRole   float64
	AutomatedActor float64
	ElevatedRoles  []string
}

// DefaultContextPenalties returns the built-in penalties.
func DefaultContextPenalties() ContextPenalties {
	return ContextPenalties{
		Production:     0.2,
		Staging:        0.05,
		ElevatedRole:   0.1,
		AutomatedActor: 0.1,
		ElevatedRoles:  []string{"admin", "root", "owner"},
	}
}

// ContextualRulesEvaluator adds penalties derived from the request context:
// target environment, caller role and actor type. Production always scores
// at least as high as staging, and staging at least as high as development.
type ContextualRulesEvaluator struct {
	p ContextPenalties
}

func NewContextualRulesEvaluator(p ContextPenalties) *ContextualRulesEvaluator {
	if p.Staging > p.Production {
		p.Staging = p.Production
	}
	return &ContextualRulesEvaluator{p: p}
}

func (e *ContextualRulesEvaluator) Name() string {
	return "contextual_rules"
}

func (e *ContextualRulesEvaluator) Inline() {}

func (e *ContextualRulesEvaluator) Evaluate(_ context.Context, req *engine.AssessRequest) (*engine.Finding, error) {
	rc := req.Context
	f := &engine.Finding{}

	switch strings.ToLower(rc.Environment) {
	case "production", "prod":
		f.Factors = append(f.Factors, engine.Factor{Name: "environment:production", Weight: e.p.Production})
	case "staging":
		f.Factors = append(f.Factors, engine.Factor{Name: "environment:staging", Weight: e.p.Staging})
	}

	if rc.Role != "" && slices.Contains(e.p.ElevatedRoles, strings.ToLower(rc.Role)) {
		f.Factors = append(f.Factors, engine.Factor{
			Name:        "role:elevated",
			Weight:      e.p.ElevatedRole,
			Description: "caller holds elevated role " + rc.Role,
		})
	}

	switch strings.ToLower(rc.ActorType) {
	case "agent", "service":
		f.Factors = append(f.Factors, engine.Factor{
			Name:        "actor:automated",
			Weight:      e.p.AutomatedActor,
			Description: "call issued by an automated actor",
		})
	}

	return f, nil
}
