package gateway

import (
	"fmt"
	"time"
)

// Code identifies why a request did not succeed.
type Code string

const (
	CodeAuthFailed           Code = "AUTH_FAILED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeInputBlocked         Code = "INPUT_BLOCKED"
	CodeToolNotFound         Code = "TOOL_NOT_FOUND"
	CodeToolModified         Code = "TOOL_MODIFIED"
	CodeInvalidArguments     Code = "INVALID_ARGUMENTS"
	CodeRiskBlocked          Code = "RISK_BLOCKED"
	CodeApprovalDenied       Code = "APPROVAL_DENIED"
	CodeApprovalTimeout      Code = "APPROVAL_TIMEOUT"
	CodeSandboxTimeout       Code = "SANDBOX_TIMEOUT"
	CodeSandboxLimitExceeded Code = "SANDBOX_LIMIT_EXCEEDED"
	CodeHandlerNotFound      Code = "HANDLER_NOT_FOUND"
	CodeExecutionError       Code = "EXECUTION_ERROR"
	CodeTenantLeak           Code = "TENANT_LEAK"
)

// Retry hints for retryable codes that have no natural reset time.
const (
	approvalRetryHint = 30 * time.Second
	sandboxRetryHint  = time.Second
	limiterRetryHint  = time.Second
)

// Error is the failure half of a Response. Retryable errors always carry
// a RetryAfter hint.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"-"`
	// RetryAfterMs mirrors RetryAfter for serialized responses.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func fatal(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func retryable(code Code, after time.Duration, format string, args ...any) *Error {
	if after <= 0 {
		after = time.Second
	}
	return &Error{
		Code:         code,
		Message:      fmt.Sprintf(format, args...),
		Retryable:    true,
		RetryAfter:   after,
		RetryAfterMs: after.Milliseconds(),
	}
}
