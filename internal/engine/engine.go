package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine fans out assessment requests to all registered evaluators in
// parallel and aggregates their findings into a RiskAssessment.
type Engine struct {
	evaluators []Evaluator
	timeout    time.Duration
	aggCfg     AggregatorConfig
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an engine with the given evaluators, aggregation thresholds
// and per-assessment timeout.
func New(evaluators []Evaluator, aggCfg AggregatorConfig, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		evaluators: evaluators,
		timeout:    timeout,
		aggCfg:     aggCfg,
		logger:     logger,
		now:        time.Now,
	}
}

// evalOutput holds a single evaluator's finding alongside its name.
type evalOutput struct {
	name    string
	finding *Finding
	err     error
}

// timeoutFor extends the base timeout for requests carrying code to scan.
func (e *Engine) timeoutFor(req *AssessRequest) time.Duration {
	size := len(req.SourceCode)
	if req.Reward != nil {
		size += len(req.Reward.Diff)
	}
	if size == 0 {
		return e.timeout
	}
	extra := time.Duration(float64(sourceTimePerMiB) * float64(size) / (1 << 20))
	return max(e.timeout, min(e.timeout+extra, maxEvalTimeout))
}

// Assess runs all evaluators against req and aggregates the result.
//
// Inline evaluators run first, synchronously. The rest fan out and send
// their findings through a buffered channel so the collector can stop
// reading at the deadline without racing in-flight writes. An evaluator
// that times out or fails is reported as unavailable; if it implements
// FailClosedEvaluator its fail-closed finding stands in for the result.
func (e *Engine) Assess(ctx context.Context, req *AssessRequest) *RiskAssessment {
	start := e.now()

	findings := make([]*Finding, 0, len(e.evaluators))
	var unavailable []string
	inlineFailed := false

	var parallel []Evaluator
	for _, ev := range e.evaluators {
		if _, ok := ev.(InlineEvaluator); !ok {
			parallel = append(parallel, ev)
			continue
		}
		finding, err := ev.Evaluate(ctx, req)
		if err != nil {
			e.logger.Warn("inline evaluator error",
				zap.String("evaluator", ev.Name()),
				zap.Error(err),
			)
			unavailable = append(unavailable, ev.Name())
			inlineFailed = true
			continue
		}
		if finding != nil {
			findings = append(findings, finding)
		}
	}

	timeout := e.timeoutFor(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan evalOutput, len(parallel))
	for _, ev := range parallel {
		go func(ev Evaluator) {
			finding, err := ev.Evaluate(ctx, req)
			ch <- evalOutput{name: ev.Name(), finding: finding, err: err}
		}(ev)
	}

	reported := make(map[string]bool, len(parallel))
	remaining := len(parallel)
	for remaining > 0 {
		select {
		case out := <-ch:
			remaining--
			if out.err != nil {
				e.logger.Warn("evaluator error",
					zap.String("evaluator", out.name),
					zap.Error(out.err),
				)
				continue
			}
			reported[out.name] = true
			if out.finding != nil {
				findings = append(findings, out.finding)
			}
		case <-ctx.Done():
			e.logger.Warn("evaluator timeout exceeded, returning partial results",
				zap.Duration("timeout", timeout),
				zap.Int("missing", remaining),
			)
			remaining = 0
		}
	}

	for _, ev := range parallel {
		if reported[ev.Name()] {
			continue
		}
		unavailable = append(unavailable, ev.Name())
		if fc, ok := ev.(FailClosedEvaluator); ok {
			if f := fc.FailClosed(req); f != nil {
				findings = append(findings, f)
			}
		}
	}
	if inlineFailed {
		// Without the base score nothing below escalate is trustworthy.
		findings = append(findings, &Finding{Floor: RecommendEscalate})
	}

	toolName := ""
	if req.Tool != nil {
		toolName = req.Tool.Name
	}
	ra := Aggregate(toolName, tierOf(req), findings, unavailable, e.aggCfg)
	ra.ID = uuid.NewString()
	ra.Timestamp = start.UTC()
	ra.Duration = time.Since(start)
	return ra
}
