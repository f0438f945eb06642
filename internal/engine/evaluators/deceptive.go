package evaluators

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
)

const (
	deceptionIndicatorWeight = 0.1
	deceptionCriticalBonus   = 0.3
	deceptionEscalateCount   = 3
)

// DeceptiveComplianceEvaluator cross-checks what an agent says it did
// against what it can show. It only fires when the request carries
// deceptive signals.
type DeceptiveComplianceEvaluator struct{}

func NewDeceptiveComplianceEvaluator() *DeceptiveComplianceEvaluator {
	return &DeceptiveComplianceEvaluator{}
}

func (e *DeceptiveComplianceEvaluator) Name() string {
	return "deceptive_compliance"
}

// FailClosed escalates a request whose deceptive signals could not be
// checked and demands external validation.
func (e *DeceptiveComplianceEvaluator) FailClosed(req *engine.AssessRequest) *engine.Finding {
	if req.Deceptive == nil {
		return nil
	}
	return &engine.Finding{
		Floor:      engine.RecommendEscalate,
		Safeguards: []string{engine.SafeguardExternalValidation},
		Deception: &engine.DeceptionAssessment{Indicators: []engine.Indicator{{
			Type:     "check_incomplete",
			Severity: "high",
			Detail:   "deceptive-compliance check did not complete",
		}}},
	}
}

func (e *DeceptiveComplianceEvaluator) Evaluate(_ context.Context, req *engine.AssessRequest) (*engine.Finding, error) {
	s := req.Deceptive
	if s == nil {
		return &engine.Finding{}, nil
	}

	var indicators []engine.Indicator
	if s.SelfValidated && !s.ExternalValidation {
		indicators = append(indicators, engine.Indicator{
			Type:     "self_validation",
			Severity: "high",
			Detail:   "agent validated its own work with no external check",
		})
	}
	if s.Urgency && s.BypassReview {
		indicators = append(indicators, engine.Indicator{
			Type:     "urgency_bypass",
			Severity: "critical",
			Detail:   "urgency claimed together with a request to skip review",
		})
	}
	if s.ClaimedSuccess && len(s.Evidence) == 0 {
		indicators = append(indicators, engine.Indicator{
			Type:     "unverified_success",
			Severity: "medium",
			Detail:   "success claimed without supporting evidence",
		})
	}
	if len(s.DeclaredScope) > 0 {
		for _, p := range s.ModifiedPaths {
			if !inScope(p, s.DeclaredScope) {
				indicators = append(indicators, engine.Indicator{
					Type:     "out_of_scope",
					Severity: "high",
					Detail:   fmt.Sprintf("modified %s outside declared scope", p),
				})
			}
		}
	}

	assessment := &engine.DeceptionAssessment{Indicators: indicators}
	f := &engine.Finding{Deception: assessment}
	if len(indicators) == 0 {
		assessment.Indicators = []engine.Indicator{}
		return f, nil
	}

	critical := false
	for _, ind := range indicators {
		if ind.Severity == "critical" {
			critical = true
			break
		}
	}

	score := deceptionIndicatorWeight * float64(len(indicators))
	if critical {
		score += deceptionCriticalBonus
	}
	assessment.Detected = true
	assessment.Score = score

	f.Factors = []engine.Factor{{
		Name:        "deceptive_compliance",
		Weight:      score,
		Description: fmt.Sprintf("%d deception indicator(s)", len(indicators)),
	}}
	if critical || len(indicators) >= deceptionEscalateCount {
		f.Floor = engine.RecommendEscalate
		f.Safeguards = []string{engine.SafeguardExternalValidation}
	}
	return f, nil
}

// inScope reports whether p lies under any of the declared scope roots.
func inScope(p string, scope []string) bool {
	clean := path.Clean(strings.TrimSpace(p))
	for _, root := range scope {
		r := path.Clean(strings.TrimSpace(root))
		if r == "." || clean == r || strings.HasPrefix(clean, strings.TrimSuffix(r, "/")+"/") {
			return true
		}
	}
	return false
}
