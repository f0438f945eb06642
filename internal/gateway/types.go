package gateway

import (
	"github.com/triage-ai/palisade/services/tool_gateway/internal/approval"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
)

// Request is one tool invocation on behalf of an agent. When authentication
// succeeds the tenant, actor and role in Context are replaced by the
// authenticated principal.
type Request struct {
	RequestID  string                   `json:"request_id,omitempty"`
	Credential string                   `json:"-"`
	ToolName   string                   `json:"tool_name"`
	Arguments  map[string]any           `json:"arguments"`
	Context    engine.RequestContext    `json:"context"`
	Deceptive  *engine.DeceptiveSignals `json:"deceptive_signals,omitempty"`
	Reward     *engine.RewardSignals    `json:"reward_signals,omitempty"`
	SourceCode string                   `json:"source_code,omitempty"`
}

// Response is the outcome of ProcessRequest.
type Response struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    *Error   `json:"error,omitempty"`
	Metadata Metadata `json:"metadata"`
}

type Metadata struct {
	RequestID         string             `json:"request_id"`
	DurationMs        int64              `json:"duration_ms"`
	Risk              *RiskMeta          `json:"risk,omitempty"`
	Approval          *ApprovalMeta      `json:"approval,omitempty"`
	Sandbox           *SandboxMeta       `json:"sandbox,omitempty"`
	Privacy           *PrivacyMeta       `json:"privacy,omitempty"`
	Leaks             *LeakMeta          `json:"leaks,omitempty"`
	QuotaViolations   []tenant.Violation `json:"quota_violations,omitempty"`
	EvidenceBindingID string             `json:"evidence_binding_id,omitempty"`
}

type RiskMeta struct {
	AssessmentID   string                `json:"assessment_id"`
	Score          float64               `json:"score"`
	Level          engine.Level          `json:"level"`
	Recommendation engine.Recommendation `json:"recommendation"`
}

type ApprovalMeta struct {
	Required bool            `json:"required"`
	Status   approval.Status `json:"status"`
	Approver string          `json:"approver,omitempty"`
	WaitedMs int64           `json:"waited_ms"`
}

type SandboxMeta struct {
	Used       bool   `json:"used"`
	Kind       string `json:"kind"`
	DurationMs int64  `json:"duration_ms"`
}

type PrivacyMeta struct {
	Tokenized bool     `json:"tokenized"`
	Fields    []string `json:"fields,omitempty"`
}

type LeakMeta struct {
	Count     int  `json:"count"`
	Sanitized bool `json:"sanitized"`
}
