package evaluators

import (
	"context"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

func tool(tier registry.RiskTier, perms ...string) *registry.Tool {
	return &registry.Tool{Name: "deploy", RiskTier: tier, Permissions: perms}
}

func totalWeight(f *engine.Finding) float64 {
	var sum float64
	for _, factor := range f.Factors {
		sum += factor.Weight
	}
	return sum
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRiskTier_BaseScores(t *testing.T) {
	e := NewRiskTierEvaluator()
	cases := map[registry.RiskTier]float64{
		registry.TierMinimal:  0.1,
		registry.TierLow:      0.3,
		registry.TierMedium:   0.5,
		registry.TierHigh:     0.7,
		registry.TierCritical: 0.9,
	}
	for tier, want := range cases {
		f, err := e.Evaluate(context.Background(), &engine.AssessRequest{Tool: tool(tier)})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tier, err)
		}
		if !approx(totalWeight(f), want) {
			t.Fatalf("%s: expected %v, got %v", tier, want, totalWeight(f))
		}
	}
}

func TestRiskTier_NoToolErrors(t *testing.T) {
	if _, err := NewRiskTierEvaluator().Evaluate(context.Background(), &engine.AssessRequest{}); err == nil {
		t.Fatal("expected error without a tool definition")
	}
}

func TestPermissions_SensitiveOnly(t *testing.T) {
	req := &engine.AssessRequest{Tool: tool(registry.TierLow,
		registry.PermFilesystemWrite, registry.PermSecretsRead, "calendar:read")}
	f, err := NewPermissionEvaluator().Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Factors) != 2 || !approx(totalWeight(f), 0.2) {
		t.Fatalf("expected two 0.1 factors, got %+v", f.Factors)
	}
}

func TestContextualRules_Penalties(t *testing.T) {
	e := NewContextualRulesEvaluator(DefaultContextPenalties())
	f, err := e.Evaluate(context.Background(), &engine.AssessRequest{Context: engine.RequestContext{
		Environment: "production",
		Role:        "Admin",
		ActorType:   "agent",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(totalWeight(f), 0.4) {
		t.Fatalf("expected 0.2+0.1+0.1, got %v (%+v)", totalWeight(f), f.Factors)
	}

	f, _ = e.Evaluate(context.Background(), &engine.AssessRequest{Context: engine.RequestContext{
		Environment: "development",
		ActorType:   "user",
	}})
	if len(f.Factors) != 0 {
		t.Fatalf("expected no factors for a development user, got %+v", f.Factors)
	}
}

func TestContextualRules_StagingNeverAboveProduction(t *testing.T) {
	e := NewContextualRulesEvaluator(ContextPenalties{Production: 0.1, Staging: 0.3})
	prod, _ := e.Evaluate(context.Background(), &engine.AssessRequest{Context: engine.RequestContext{Environment: "production"}})
	stg, _ := e.Evaluate(context.Background(), &engine.AssessRequest{Context: engine.RequestContext{Environment: "staging"}})
	if totalWeight(stg) > totalWeight(prod) {
		t.Fatalf("staging %v scored above production %v", totalWeight(stg), totalWeight(prod))
	}
}

func TestArgumentValidation_DetectsInjection(t *testing.T) {
	e := NewArgumentValidationEvaluator()
	f, err := e.Evaluate(context.Background(), &engine.AssessRequest{Arguments: map[string]any{
		"query": "SELECT * FROM users WHERE 1=1",
		"nested": map[string]any{
			"cmd": []any{"ls; rm -rf /tmp"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Factors) != 1 || f.Factors[0].Name != "argument_injection" {
		t.Fatalf("expected one argument_injection factor, got %+v", f.Factors)
	}
	if !strings.Contains(f.Factors[0].Description, "SQL") || !strings.Contains(f.Factors[0].Description, "command") {
		t.Fatalf("expected both SQL and command hits, got %q", f.Factors[0].Description)
	}
}

func TestArgumentValidation_CleanArgs(t *testing.T) {
	f, err := NewArgumentValidationEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		Arguments: map[string]any{"city": "Lisbon", "days": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Factors) != 0 {
		t.Fatalf("expected no factors, got %+v", f.Factors)
	}
}

func TestRules_MatchAddsFactor(t *testing.T) {
	e, err := NewRulesEvaluator([]Rule{
		{Name: "prod_delete", Expression: `environment == "production" && tool.startsWith("delete")`, Weight: 0.3},
		{Name: "big_batch", Expression: `has(args.count) && args.count > 100`, Weight: 0.2},
		{Name: "secrets", Expression: `"secrets:read" in permissions`, Weight: 0.1},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	req := &engine.AssessRequest{
		Tool:      &registry.Tool{Name: "delete_rows", RiskTier: registry.TierHigh},
		Arguments: map[string]any{"count": 500},
		Context:   engine.RequestContext{Environment: "production"},
	}
	f, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(f.Factors) != 2 {
		t.Fatalf("expected 2 matching rules, got %+v", f.Factors)
	}
	if f.Factors[0].Name != "rule:prod_delete" || f.Factors[1].Name != "rule:big_batch" {
		t.Fatalf("unexpected factor names: %+v", f.Factors)
	}
}

func TestRules_BadExpressionFailsAtConstruction(t *testing.T) {
	if _, err := NewRulesEvaluator([]Rule{{Name: "broken", Expression: "tool ==="}}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestRules_NonBoolResultErrors(t *testing.T) {
	e, err := NewRulesEvaluator([]Rule{{Name: "str", Expression: `tool + "x"`}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err = e.Evaluate(context.Background(), &engine.AssessRequest{Tool: tool(registry.TierLow)})
	if err == nil {
		t.Fatal("expected error for non-bool rule result")
	}
}

func TestDeceptive_NoSignals(t *testing.T) {
	f, err := NewDeceptiveComplianceEvaluator().Evaluate(context.Background(), &engine.AssessRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if f.Deception != nil || len(f.Factors) != 0 {
		t.Fatalf("expected empty finding, got %+v", f)
	}
}

func TestDeceptive_UrgencyBypassEscalates(t *testing.T) {
	f, err := NewDeceptiveComplianceEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		Deceptive: &engine.DeceptiveSignals{Urgency: true, BypassReview: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.Deception == nil || !f.Deception.Detected {
		t.Fatal("expected deception detected")
	}
	if !approx(f.Deception.Score, 0.4) {
		t.Fatalf("expected 0.1 + 0.3 critical bonus, got %v", f.Deception.Score)
	}
	if f.Floor != engine.RecommendEscalate {
		t.Fatalf("expected escalate floor, got %q", f.Floor)
	}
	if len(f.Safeguards) != 1 || f.Safeguards[0] != engine.SafeguardExternalValidation {
		t.Fatalf("expected external_validation safeguard, got %v", f.Safeguards)
	}
}

func TestDeceptive_ThreeIndicatorsEscalate(t *testing.T) {
	f, _ := NewDeceptiveComplianceEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		Deceptive: &engine.DeceptiveSignals{
			SelfValidated:  true,
			ClaimedSuccess: true,
			DeclaredScope:  []string{"src/api"},
			ModifiedPaths:  []string{"src/api/handler.go", "deploy/prod.yaml"},
		},
	})
	if len(f.Deception.Indicators) != 3 {
		t.Fatalf("expected 3 indicators, got %+v", f.Deception.Indicators)
	}
	if f.Floor != engine.RecommendEscalate {
		t.Fatalf("expected escalate floor, got %q", f.Floor)
	}
}

func TestDeceptive_SingleMediumDoesNotEscalate(t *testing.T) {
	f, _ := NewDeceptiveComplianceEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		Deceptive: &engine.DeceptiveSignals{ClaimedSuccess: true},
	})
	if f.Floor != "" {
		t.Fatalf("expected no floor, got %q", f.Floor)
	}
	if !approx(totalWeight(f), 0.1) {
		t.Fatalf("expected 0.1, got %v", totalWeight(f))
	}
}

func TestInScope(t *testing.T) {
	scope := []string{"src/api/"}
	if !inScope("src/api/v1/x.go", scope) {
		t.Fatal("expected nested path in scope")
	}
	if inScope("src/apiary/x.go", scope) {
		t.Fatal("prefix sibling must not be in scope")
	}
	if inScope("src/api/../../etc/passwd", scope) {
		t.Fatal("traversal must not be in scope")
	}
}

func TestRewardHacking_Clean(t *testing.T) {
	f, err := NewRewardHackingEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		SourceCode: "def test_add():\n    assert add(1, 2) == 3\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.RewardHacking == nil || f.RewardHacking.Detected {
		t.Fatalf("expected clean assessment, got %+v", f.RewardHacking)
	}
	if f.RewardHacking.ReviewLevel != ReviewNone {
		t.Fatalf("expected NONE, got %s", f.RewardHacking.ReviewLevel)
	}
}

func TestRewardHacking_SourcePatterns(t *testing.T) {
	src := strings.Join([]string{
		"import sys",
		"@pytest.mark.skip(reason='flaky')",
		"def test_x():",
		"    assert True",
		"def helper():  # pragma: no cover",
		"    pass",
	}, "\n")
	f, err := NewRewardHackingEvaluator().Evaluate(context.Background(), &engine.AssessRequest{SourceCode: src})
	if err != nil {
		t.Fatal(err)
	}
	rh := f.RewardHacking
	if !rh.Detected || len(rh.Findings) != 3 {
		t.Fatalf("expected 3 finding types, got %+v", rh.Findings)
	}
	if rh.ReviewLevel != ReviewHuman {
		t.Fatalf("expected HUMAN_REVIEW without critical hits, got %s", rh.ReviewLevel)
	}
	if !approx(rh.Score, 0.45) {
		t.Fatalf("expected 3 x 0.15, got %v", rh.Score)
	}
	if f.Floor != engine.RecommendEscalate {
		t.Fatalf("expected escalate floor, got %q", f.Floor)
	}
}

func TestRewardHacking_DiffRemovedAssertionAndExit(t *testing.T) {
	diff := strings.Join([]string{
		"--- a/test_calc.py",
		"+++ b/test_calc.py",
		"@@ -1,4 +1,3 @@",
		" def test_div():",
		"-    assert div(4, 2) == 2",
		"-    assert div(1, 0) is None",
		"+    sys.exit(0)",
	}, "\n")
	before, after := 0.82, 0.74
	f, err := NewRewardHackingEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		Reward: &engine.RewardSignals{Diff: diff, CoverageBefore: &before, CoverageAfter: &after},
	})
	if err != nil {
		t.Fatal(err)
	}
	rh := f.RewardHacking
	kinds := map[string]bool{}
	for _, fi := range rh.Findings {
		kinds[fi.Type] = true
	}
	for _, want := range []string{"forced_success_exit", "removed_assertion", "coverage_regression"} {
		if !kinds[want] {
			t.Fatalf("missing finding %s in %+v", want, rh.Findings)
		}
	}
	if rh.ReviewLevel != ReviewFullAudit {
		t.Fatalf("expected FULL_AUDIT, got %s", rh.ReviewLevel)
	}
	if len(f.Safeguards) != 1 || f.Safeguards[0] != engine.SafeguardTestIsolation {
		t.Fatalf("expected test_isolation safeguard, got %v", f.Safeguards)
	}
}

func TestRewardHacking_SmallCoverageWobbleIgnored(t *testing.T) {
	before, after := 0.800, 0.795
	f, _ := NewRewardHackingEvaluator().Evaluate(context.Background(), &engine.AssessRequest{
		Reward: &engine.RewardSignals{CoverageBefore: &before, CoverageAfter: &after},
	})
	if f.RewardHacking.Detected {
		t.Fatalf("expected no finding, got %+v", f.RewardHacking.Findings)
	}
}

func TestFailClosed_OnlyWhenSignalsPresent(t *testing.T) {
	if f := NewRewardHackingEvaluator().FailClosed(&engine.AssessRequest{}); f != nil {
		t.Fatalf("expected nil without code, got %+v", f)
	}
	if f := NewDeceptiveComplianceEvaluator().FailClosed(&engine.AssessRequest{}); f != nil {
		t.Fatalf("expected nil without signals, got %+v", f)
	}

	f := NewRewardHackingEvaluator().FailClosed(&engine.AssessRequest{SourceCode: "x = 1"})
	if f.Floor != engine.RecommendEscalate || f.RewardHacking.ReviewLevel != ReviewFullAudit {
		t.Fatalf("expected escalate with FULL_AUDIT, got %+v", f)
	}
	f = NewDeceptiveComplianceEvaluator().FailClosed(&engine.AssessRequest{Deceptive: &engine.DeceptiveSignals{}})
	if f.Floor != engine.RecommendEscalate || !slices.Contains(f.Safeguards, engine.SafeguardExternalValidation) {
		t.Fatalf("expected escalate with external_validation, got %+v", f)
	}
}

// A forced exit at the end of a large upload is reported whether the scan
// finishes inside the scaled timeout or is cut short.
func TestEngine_LargeSourceNeverSlipsThrough(t *testing.T) {
	src := strings.Repeat("result = compute(value)\n", 150_000) + "sys.exit(0)\n"
	evals := []engine.Evaluator{
		NewRiskTierEvaluator(),
		NewPermissionEvaluator(),
		NewContextualRulesEvaluator(DefaultContextPenalties()),
		NewArgumentValidationEvaluator(),
		NewDeceptiveComplianceEvaluator(),
		NewRewardHackingEvaluator(),
	}
	eng := engine.New(evals, engine.DefaultAggregatorConfig(), time.Millisecond, nil)
	ra := eng.Assess(context.Background(), &engine.AssessRequest{
		Tool:       tool(registry.TierLow),
		SourceCode: src,
	})

	if !ra.Recommendation.AtLeast(engine.RecommendEscalate) {
		t.Fatalf("expected at least escalate, got %s (unavailable %v)", ra.Recommendation, ra.Unavailable)
	}
	if ra.RewardHacking == nil || ra.RewardHacking.ReviewLevel != ReviewFullAudit {
		t.Fatalf("expected FULL_AUDIT, got %+v", ra.RewardHacking)
	}
	if !slices.Contains(ra.Safeguards, engine.SafeguardTestIsolation) {
		t.Fatalf("expected test_isolation safeguard, got %v", ra.Safeguards)
	}
}

func TestEngine_SlowInlineTierStillScored(t *testing.T) {
	evals := []engine.Evaluator{NewRiskTierEvaluator(), NewPermissionEvaluator()}
	eng := engine.New(evals, engine.DefaultAggregatorConfig(), time.Nanosecond, nil)
	ra := eng.Assess(context.Background(), &engine.AssessRequest{Tool: tool(registry.TierCritical)})
	if !approx(ra.Score, 0.9) || ra.Recommendation != engine.RecommendBlock {
		t.Fatalf("expected critical tier to block regardless of timeout, got %v %s", ra.Score, ra.Recommendation)
	}
}
