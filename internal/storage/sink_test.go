package storage

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSink_LogsEachEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	if err := sink.Handle(context.Background(), sampleEntries()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if logs.Len() != 2 {
		t.Fatalf("expected 2 log lines, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["event_type"] != "risk.assessed" || fields["tenant_id"] != "t1" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}
