package engine

import (
	"math"
	"slices"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// AggregatorConfig holds the thresholds for recommendation determination.
type AggregatorConfig struct {
	ApprovalThreshold float64  // score >= this → escalate (default 0.7)
	BlockThreshold    float64  // score >= this → block (default 0.9)
	AutoApprovedTools []string // never require approval, can still be blocked
}

// DefaultAggregatorConfig returns the default thresholds.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		ApprovalThreshold: 0.7,
		BlockThreshold:    0.9,
		AutoApprovedTools: []string{"forge_list_sessions"},
	}
}

// approveThreshold is the score at which a proceed becomes approve.
const approveThreshold = 0.5

// Aggregate sums evaluator findings into a RiskAssessment.
//
// Rules (applied in order):
//  1. Score = sum of factor weights, clamped to [0, 1]
//  2. Score >= BlockThreshold → block; >= ApprovalThreshold → escalate;
//     >= 0.5 → approve; otherwise proceed
//  3. The recommendation is raised to the highest floor any evaluator set
//  4. An unavailable evaluator raises proceed to approve
//  5. Approval is required for approve/escalate unless the tool is auto-approved
func Aggregate(toolName string, tier registry.RiskTier, findings []*Finding, unavailable []string, cfg AggregatorConfig) *RiskAssessment {
	ra := &RiskAssessment{ToolName: toolName}

	var total float64
	floor := RecommendProceed
	safeguards := map[string]struct{}{}

	for _, f := range findings {
		for _, factor := range f.Factors {
			total += factor.Weight
			ra.Factors = append(ra.Factors, factor)
		}
		for _, s := range f.Safeguards {
			safeguards[s] = struct{}{}
		}
		floor = maxRecommendation(floor, f.Floor)
		if f.Deception != nil {
			ra.Deception = f.Deception
		}
		if f.RewardHacking != nil {
			ra.RewardHacking = f.RewardHacking
		}
	}

	slices.Sort(unavailable)
	for _, name := range unavailable {
		ra.Factors = append(ra.Factors, Factor{
			Name:        "evaluator_unavailable:" + name,
			Description: "evaluator did not complete; failing closed",
		})
	}
	ra.Unavailable = unavailable

	ra.Score = clamp(total)
	ra.Level = LevelFor(ra.Score)

	rec := RecommendProceed
	switch {
	case ra.Score >= cfg.BlockThreshold:
		rec = RecommendBlock
	case ra.Score >= cfg.ApprovalThreshold:
		rec = RecommendEscalate
	case ra.Score >= approveThreshold:
		rec = RecommendApprove
	}
	rec = maxRecommendation(rec, floor)
	if len(unavailable) > 0 {
		rec = maxRecommendation(rec, RecommendApprove)
	}
	ra.Recommendation = rec

	switch rec {
	case RecommendApprove:
		safeguards[SafeguardHumanApproval] = struct{}{}
	case RecommendEscalate:
		safeguards[SafeguardHumanApproval] = struct{}{}
		safeguards[SafeguardSeniorReview] = struct{}{}
	}
	if tier != "" && tier != registry.TierMinimal {
		safeguards[SafeguardSandbox] = struct{}{}
	}

	ra.Safeguards = make([]string, 0, len(safeguards))
	for s := range safeguards {
		ra.Safeguards = append(ra.Safeguards, s)
	}
	slices.Sort(ra.Safeguards)

	needsHuman := rec == RecommendApprove || rec == RecommendEscalate
	ra.RequiresApproval = needsHuman && !slices.Contains(cfg.AutoApprovedTools, toolName)

	return ra
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round away float noise so 0.7 reached by summing stays 0.7.
	return math.Round(v*1e9) / 1e9
}

func tierOf(req *AssessRequest) registry.RiskTier {
	if req.Tool == nil {
		return ""
	}
	return req.Tool.RiskTier
}
