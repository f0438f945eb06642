package engine

import "time"

// Recommendation is the engine's verdict, ordered by severity.
type Recommendation string

const (
	RecommendProceed  Recommendation = "proceed"
	RecommendApprove  Recommendation = "approve"
	RecommendEscalate Recommendation = "escalate"
	RecommendBlock    Recommendation = "block"
)

func (r Recommendation) rank() int {
	switch r {
	case RecommendApprove:
		return 1
	case RecommendEscalate:
		return 2
	case RecommendBlock:
		return 3
	}
	return 0
}

// AtLeast reports whether r is as severe as other.
func (r Recommendation) AtLeast(other Recommendation) bool {
	return r.rank() >= other.rank()
}

func maxRecommendation(a, b Recommendation) Recommendation {
	if b.rank() > a.rank() {
		return b
	}
	if a == "" {
		return RecommendProceed
	}
	return a
}

// Level is the coarse risk band derived from the score.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps a score to its band.
func LevelFor(score float64) Level {
	switch {
	case score < 0.2:
		return LevelMinimal
	case score < 0.4:
		return LevelLow
	case score < 0.6:
		return LevelMedium
	case score < 0.8:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Safeguards the engine may require.
const (
	SafeguardHumanApproval      = "human_approval"
	SafeguardSeniorReview       = "senior_review"
	SafeguardSandbox            = "sandbox"
	SafeguardExternalValidation = "external_validation"
	SafeguardTestIsolation      = "test_isolation"
)

// RiskAssessment is the immutable result of Assess. Audit entries refer to
// it by ID.
type RiskAssessment struct {
	ID               string                   `json:"id"`
	ToolName         string                   `json:"tool_name"`
	Score            float64                  `json:"score"`
	Level            Level                    `json:"level"`
	Recommendation   Recommendation           `json:"recommendation"`
	RequiresApproval bool                     `json:"requires_approval"`
	Factors          []Factor                 `json:"factors"`
	Safeguards       []string                 `json:"safeguards"`
	Deception        *DeceptionAssessment     `json:"deception,omitempty"`
	RewardHacking    *RewardHackingAssessment `json:"reward_hacking,omitempty"`
	Unavailable      []string                 `json:"unavailable,omitempty"`
	Timestamp        time.Time                `json:"timestamp"`
	Duration         time.Duration            `json:"-"`
}
