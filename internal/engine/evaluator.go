package engine

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// Evaluator is the interface every risk evaluator must implement.
// Implementations must respect context deadlines and return quickly.
type Evaluator interface {
	// Name returns the evaluator's unique identifier.
	Name() string

	// Evaluate scores one aspect of the request. Must respect ctx deadline.
	Evaluate(ctx context.Context, req *AssessRequest) (*Finding, error)
}

// InlineEvaluator marks an evaluator that only reads the tool definition
// and request context. The engine runs it synchronously, outside the
// assessment timeout, so the base score is always present.
type InlineEvaluator interface {
	Evaluator
	Inline()
}

// FailClosedEvaluator supplies the finding to assume when the evaluator
// errors or misses the deadline. A nil finding means the request gave the
// evaluator nothing to look at.
type FailClosedEvaluator interface {
	Evaluator
	FailClosed(req *AssessRequest) *Finding
}

// RequestContext describes who is calling, from where, and in which
// environment. Immutable for the lifetime of a request.
type RequestContext struct {
	TenantID    string `json:"tenant_id"`
	ActorID     string `json:"actor_id"`
	ActorType   string `json:"actor_type"`  // user, service, agent
	Environment string `json:"environment"` // development, staging, production
	Role        string `json:"role"`
	Channel     string `json:"channel"`
}

// AssessRequest contains everything evaluators may look at.
type AssessRequest struct {
	Tool       *registry.Tool
	Arguments  map[string]any
	Context    RequestContext
	Deceptive  *DeceptiveSignals
	Reward     *RewardSignals
	SourceCode string
}

// DeceptiveSignals are agent self-reports the deceptive-compliance
// evaluator cross-checks.
type DeceptiveSignals struct {
	SelfValidated      bool     `json:"self_validated"`
	ExternalValidation bool     `json:"external_validation"`
	Urgency            bool     `json:"urgency"`
	BypassReview       bool     `json:"bypass_review"`
	ClaimedSuccess     bool     `json:"claimed_success"`
	Evidence           []string `json:"evidence,omitempty"`
	DeclaredScope      []string `json:"declared_scope,omitempty"`
	ModifiedPaths      []string `json:"modified_paths,omitempty"`
}

// RewardSignals accompany code-producing tool calls.
type RewardSignals struct {
	Diff           string   `json:"diff,omitempty"`
	CoverageBefore *float64 `json:"coverage_before,omitempty"`
	CoverageAfter  *float64 `json:"coverage_after,omitempty"`
}

// Factor is one weighted contribution to a risk score.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// Finding is the output of a single evaluator.
type Finding struct {
	Factors    []Factor
	Safeguards []string
	// Floor is the minimum recommendation this evaluator demands.
	Floor         Recommendation
	Deception     *DeceptionAssessment
	RewardHacking *RewardHackingAssessment
}

// Indicator is a single piece of evidence found by a sub-detector.
type Indicator struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // low, medium, high, critical
	Detail   string `json:"detail"`
}

// DeceptionAssessment is the deceptive-compliance sub-assessment.
type DeceptionAssessment struct {
	Detected   bool        `json:"detected"`
	Indicators []Indicator `json:"indicators"`
	Score      float64     `json:"score"`
}

// RewardHackingAssessment is the reward-hacking sub-assessment.
type RewardHackingAssessment struct {
	Detected    bool        `json:"detected"`
	Findings    []Indicator `json:"findings"`
	ReviewLevel string      `json:"review_level"` // NONE, HUMAN_REVIEW, FULL_AUDIT
	Score       float64     `json:"score"`
}
