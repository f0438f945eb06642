package evaluators

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
)

// Rule is an operator-defined CEL expression. When it evaluates to true
// the rule's Weight is added to the score.
type Rule struct {
	Name        string
	Expression  string
	Weight      float64
	Description string
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RulesEvaluator evaluates operator CEL rules against the request. The
// expressions see: tool, tier, permissions, tenant, actor, actor_type,
// environment, role, channel and args.
type RulesEvaluator struct {
	rules []compiledRule
}

// NewRulesEvaluator compiles all rules up front so a bad expression fails
// at startup rather than per request.
func NewRulesEvaluator(rules []Rule) (*RulesEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("permissions", cel.ListType(cel.StringType)),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	out := &RulesEvaluator{}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		out.rules = append(out.rules, compiledRule{Rule: r, prg: prg})
	}
	return out, nil
}

func (e *RulesEvaluator) Name() string {
	return "rules"
}

func (e *RulesEvaluator) Evaluate(ctx context.Context, req *engine.AssessRequest) (*engine.Finding, error) {
	f := &engine.Finding{}
	if len(e.rules) == 0 {
		return f, nil
	}

	input := ruleInput(req)
	for _, r := range e.rules {
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("rule %s: eval: %w", r.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("rule %s: result is %T, not bool", r.Name, out.Value())
		}
		if matched {
			f.Factors = append(f.Factors, engine.Factor{
				Name:        "rule:" + r.Name,
				Weight:      r.Weight,
				Description: r.Description,
			})
		}
	}
	return f, nil
}

func ruleInput(req *engine.AssessRequest) map[string]any {
	in := map[string]any{
		"tool":        "",
		"tier":        "",
		"permissions": []string{},
		"tenant":      req.Context.TenantID,
		"actor":       req.Context.ActorID,
		"actor_type":  req.Context.ActorType,
		"environment": req.Context.Environment,
		"role":        req.Context.Role,
		"channel":     req.Context.Channel,
		"args":        map[string]any{},
	}
	if req.Tool != nil {
		in["tool"] = req.Tool.Name
		in["tier"] = string(req.Tool.RiskTier)
		if req.Tool.Permissions != nil {
			in["permissions"] = req.Tool.Permissions
		}
	}
	if req.Arguments != nil {
		in["args"] = req.Arguments
	}
	return in
}
