package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/triage-ai/palisade/services/tool_gateway/internal/gateway"

type telemetry struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	requests, err := meter.Int64Counter("gateway.requests",
		metric.WithDescription("Tool requests processed, by outcome code."),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("gateway.duration_ms",
		metric.WithDescription("End-to-end request latency."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &telemetry{
		tracer:   tp.Tracer(instrumentationName),
		requests: requests,
		duration: duration,
	}, nil
}

func (t *telemetry) record(ctx context.Context, tool string, resp *Response, elapsed time.Duration) {
	outcome := "OK"
	if resp.Error != nil {
		outcome = string(resp.Error.Code)
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("tool.name", tool),
	)
	t.requests.Add(ctx, 1, attrs)
	t.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func stageEvent(span trace.Span, stage string, attrs ...attribute.KeyValue) {
	span.AddEvent(stage, trace.WithAttributes(attrs...))
}
