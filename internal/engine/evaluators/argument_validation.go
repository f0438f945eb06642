package evaluators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
)

// Pre-compiled injection patterns for argument scanning.
var argInjectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|UNION)\b.*\b(FROM|INTO|TABLE|SET|WHERE|ALL)\b`), "SQL injection"},
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection"},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)"},
	{regexp.MustCompile(`(?i)\$\(.*\)`), "command substitution"},
	{regexp.MustCompile("(?i)`[^`]*`"), "backtick command execution"},
	{regexp.MustCompile(`(\.\./){2,}`), "path traversal"},
}

const injectionWeight = 0.2

// ArgumentValidationEvaluator scans string arguments for injection shapes.
// Schema validation happens earlier in the pipeline and hard-fails.
type ArgumentValidationEvaluator struct{}

func NewArgumentValidationEvaluator() *ArgumentValidationEvaluator {
	return &ArgumentValidationEvaluator{}
}

func (e *ArgumentValidationEvaluator) Name() string {
	return "argument_validation"
}

func (e *ArgumentValidationEvaluator) Evaluate(ctx context.Context, req *engine.AssessRequest) (*engine.Finding, error) {
	var hits []string
	seen := map[string]bool{}

	walkStrings(req.Arguments, func(s string) bool {
		if ctx.Err() != nil {
			return false
		}
		for _, p := range argInjectionPatterns {
			if !seen[p.detail] && p.re.MatchString(s) {
				seen[p.detail] = true
				hits = append(hits, p.detail)
			}
		}
		return true
	})

	if len(hits) == 0 {
		return &engine.Finding{}, nil
	}
	return &engine.Finding{Factors: []engine.Factor{{
		Name:        "argument_injection",
		Weight:      injectionWeight,
		Description: fmt.Sprintf("injection pattern in arguments: %s", strings.Join(hits, ", ")),
	}}}, nil
}

// walkStrings calls fn for every string reachable from v until fn
// returns false.
func walkStrings(v any, fn func(string) bool) bool {
	switch x := v.(type) {
	case string:
		return fn(x)
	case map[string]any:
		for _, val := range x {
			if !walkStrings(val, fn) {
				return false
			}
		}
	case []any:
		for _, val := range x {
			if !walkStrings(val, fn) {
				return false
			}
		}
	case []string:
		for _, val := range x {
			if !fn(val) {
				return false
			}
		}
	}
	return true
}
