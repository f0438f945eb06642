package evaluators

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// tierBase is the starting score for each declared risk tier.
var tierBase = map[registry.RiskTier]float64{
	registry.TierMinimal:  0.1,
	registry.TierLow:      0.3,
	registry.TierMedium:   0.5,
	registry.TierHigh:     0.7,
	registry.TierCritical: 0.9,
}

// RiskTierEvaluator contributes the base score for the tool's declared tier.
type RiskTierEvaluator struct{}

func NewRiskTierEvaluator() *RiskTierEvaluator {
	return &RiskTierEvaluator{}
}

func (e *RiskTierEvaluator) Name() string {
	return "risk_tier"
}

// Inline marks the tier base as computed outside the assessment timeout.
func (e *RiskTierEvaluator) Inline() {}

func (e *RiskTierEvaluator) Evaluate(_ context.Context, req *engine.AssessRequest) (*engine.Finding, error) {
	if req.Tool == nil {
		return nil, fmt.Errorf("risk_tier: no tool definition")
	}
	base, ok := tierBase[req.Tool.RiskTier]
	if !ok {
		return nil, fmt.Errorf("risk_tier: unknown tier %q", req.Tool.RiskTier)
	}
	return &engine.Finding{Factors: []engine.Factor{{
		Name:        "tier:" + string(req.Tool.RiskTier),
		Weight:      base,
		Description: fmt.Sprintf("declared risk tier %s", req.Tool.RiskTier),
	}}}, nil
}
