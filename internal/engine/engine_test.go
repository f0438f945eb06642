package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"go.uber.org/zap"
)

// stubEvaluator is a test helper that returns a fixed finding.
type stubEvaluator struct {
	name    string
	finding *Finding
	err     error
	delay   time.Duration
}

func (s *stubEvaluator) Name() string { return s.name }
func (s *stubEvaluator) Evaluate(ctx context.Context, _ *AssessRequest) (*Finding, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.finding, s.err
}

func weighted(name string, w float64) *Finding {
	return &Finding{Factors: []Factor{{Name: name, Weight: w}}}
}

func lowTool() *registry.Tool {
	return &registry.Tool{Name: "search", RiskTier: registry.TierLow}
}

func TestEngine_AllEvaluatorsRun(t *testing.T) {
	evals := []Evaluator{
		&stubEvaluator{name: "eval_a", finding: weighted("a", 0.2)},
		&stubEvaluator{name: "eval_b", finding: weighted("b", 0.1)},
	}

	eng := New(evals, DefaultAggregatorConfig(), 100*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: lowTool()})

	if len(ra.Factors) != 2 {
		t.Fatalf("expected 2 factors, got %+v", ra.Factors)
	}
	if !approxEqual(ra.Score, 0.3) {
		t.Fatalf("expected score 0.3, got %v", ra.Score)
	}
	if ra.ID == "" || ra.Timestamp.IsZero() {
		t.Fatal("expected id and timestamp to be set")
	}
	if ra.ToolName != "search" {
		t.Fatalf("expected tool name search, got %q", ra.ToolName)
	}
}

func TestEngine_TimeoutFailsClosed(t *testing.T) {
	evals := []Evaluator{
		&stubEvaluator{name: "fast", finding: weighted("fast", 0.1)},
		&stubEvaluator{name: "slow", finding: weighted("slow", 0.5), delay: 500 * time.Millisecond},
	}

	eng := New(evals, DefaultAggregatorConfig(), 20*time.Millisecond, zap.NewNop())
	start := time.Now()
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: lowTool()})

	if time.Since(start) > 300*time.Millisecond {
		t.Fatalf("engine did not honour timeout: %v", time.Since(start))
	}
	if len(ra.Unavailable) != 1 || ra.Unavailable[0] != "slow" {
		t.Fatalf("expected slow to be unavailable, got %v", ra.Unavailable)
	}
	if ra.Recommendation != RecommendApprove {
		t.Fatalf("expected fail-closed approve, got %s", ra.Recommendation)
	}
	if !ra.RequiresApproval {
		t.Fatal("expected approval to be required")
	}
}

func TestEngine_ErrorMarksUnavailable(t *testing.T) {
	evals := []Evaluator{
		&stubEvaluator{name: "broken", err: errors.New("boom")},
	}
	eng := New(evals, DefaultAggregatorConfig(), 50*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: lowTool()})

	found := false
	for _, f := range ra.Factors {
		if f.Name == "evaluator_unavailable:broken" && f.Weight == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected evaluator_unavailable:broken factor, got %+v", ra.Factors)
	}
}

// inlineStub is a stubEvaluator the engine runs outside the timeout.
type inlineStub struct{ *stubEvaluator }

func (inlineStub) Inline() {}

// failClosedStub substitutes a fixed finding when it does not complete.
type failClosedStub struct {
	*stubEvaluator
	fallback *Finding
}

func (s failClosedStub) FailClosed(*AssessRequest) *Finding { return s.fallback }

func criticalTool() *registry.Tool {
	return &registry.Tool{Name: "drop_database", RiskTier: registry.TierCritical}
}

func TestEngine_InlineEvaluatorSurvivesSlowness(t *testing.T) {
	evals := []Evaluator{
		inlineStub{&stubEvaluator{name: "risk_tier", finding: weighted("tier:critical", 0.9), delay: 80 * time.Millisecond}},
		&stubEvaluator{name: "other", finding: weighted("other", 0)},
	}
	eng := New(evals, DefaultAggregatorConfig(), 20*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: criticalTool()})

	if !approxEqual(ra.Score, 0.9) {
		t.Fatalf("expected tier base 0.9 to survive a slow evaluator, got %v", ra.Score)
	}
	if ra.Recommendation != RecommendBlock {
		t.Fatalf("expected block, got %s", ra.Recommendation)
	}
	if len(ra.Unavailable) != 0 {
		t.Fatalf("inline evaluator must not be reported unavailable, got %v", ra.Unavailable)
	}
}

func TestEngine_InlineErrorEscalates(t *testing.T) {
	evals := []Evaluator{
		inlineStub{&stubEvaluator{name: "risk_tier", err: errors.New("unknown tier")}},
	}
	eng := New(evals, DefaultAggregatorConfig(), 20*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: lowTool()})

	if ra.Recommendation != RecommendEscalate || !ra.RequiresApproval {
		t.Fatalf("expected escalate with approval, got %s approval=%v", ra.Recommendation, ra.RequiresApproval)
	}
	if len(ra.Unavailable) != 1 || ra.Unavailable[0] != "risk_tier" {
		t.Fatalf("expected risk_tier unavailable, got %v", ra.Unavailable)
	}
}

func TestEngine_TimedOutDetectorUsesFailClosedFinding(t *testing.T) {
	fallback := &Finding{
		Floor:         RecommendEscalate,
		Safeguards:    []string{SafeguardTestIsolation},
		RewardHacking: &RewardHackingAssessment{ReviewLevel: "FULL_AUDIT"},
	}
	evals := []Evaluator{
		failClosedStub{&stubEvaluator{name: "reward_hacking", finding: &Finding{}, delay: 500 * time.Millisecond}, fallback},
	}
	eng := New(evals, DefaultAggregatorConfig(), 20*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: lowTool()})

	if ra.Recommendation != RecommendEscalate {
		t.Fatalf("expected escalate, got %s", ra.Recommendation)
	}
	if ra.RewardHacking == nil || ra.RewardHacking.ReviewLevel != "FULL_AUDIT" {
		t.Fatalf("expected FULL_AUDIT sub-assessment, got %+v", ra.RewardHacking)
	}
	if !slices.Contains(ra.Safeguards, SafeguardTestIsolation) {
		t.Fatalf("expected test_isolation safeguard, got %v", ra.Safeguards)
	}
}

func TestEngine_ErroredDetectorUsesFailClosedFinding(t *testing.T) {
	evals := []Evaluator{
		failClosedStub{&stubEvaluator{name: "deceptive_compliance", err: errors.New("boom")},
			&Finding{Floor: RecommendBlock}},
	}
	eng := New(evals, DefaultAggregatorConfig(), 50*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{Tool: lowTool()})
	if ra.Recommendation != RecommendBlock {
		t.Fatalf("expected block from fail-closed finding, got %s", ra.Recommendation)
	}
}

func TestEngine_TimeoutScalesWithSource(t *testing.T) {
	eng := New(nil, DefaultAggregatorConfig(), 50*time.Millisecond, zap.NewNop())
	mib := strings.Repeat("x", 1<<20)

	if got := eng.timeoutFor(&AssessRequest{}); got != 50*time.Millisecond {
		t.Fatalf("expected base timeout without source, got %v", got)
	}
	if got := eng.timeoutFor(&AssessRequest{SourceCode: mib}); got != 550*time.Millisecond {
		t.Fatalf("expected 550ms for 1 MiB of source, got %v", got)
	}
	if got := eng.timeoutFor(&AssessRequest{Reward: &RewardSignals{Diff: strings.Repeat(mib, 10)}}); got != maxEvalTimeout {
		t.Fatalf("expected timeout capped at %v, got %v", maxEvalTimeout, got)
	}
}

func TestEngine_EmptyEvaluators(t *testing.T) {
	eng := New(nil, DefaultAggregatorConfig(), 50*time.Millisecond, zap.NewNop())
	ra := eng.Assess(context.Background(), &AssessRequest{})
	if ra.Score != 0 || ra.Recommendation != RecommendProceed {
		t.Fatalf("expected proceed with zero score, got %v %s", ra.Score, ra.Recommendation)
	}
}

func BenchmarkEngine_FiveEvaluators(b *testing.B) {
	evals := make([]Evaluator, 5)
	for i := range evals {
		evals[i] = &stubEvaluator{name: string(rune('a' + i)), finding: weighted("x", 0.05)}
	}
	eng := New(evals, DefaultAggregatorConfig(), 50*time.Millisecond, zap.NewNop())
	req := &AssessRequest{Tool: lowTool()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Assess(context.Background(), req)
	}
}
