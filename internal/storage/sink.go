// Package storage holds the downstream audit handlers. Each sink implements
// audit.Handler and is fed in batches by the audit flush loop, so a slow or
// unavailable backend never blocks request processing.
package storage

import (
	"context"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"go.uber.org/zap"
)

// auditColumns is the column order shared by the SQL sinks.
var auditColumns = []string{
	"id", "sequence", "timestamp", "event_type", "actor", "target", "tenant_id",
	"outcome", "risk_level", "assessment_id", "tags", "details",
	"previous_hash", "hash", "signature",
}

func columnList() string {
	return strings.Join(auditColumns, ", ")
}

// LogSink writes entries to a zap logger. It is the fallback when no
// durable sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink that outputs entries to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(_ context.Context, entries []*audit.Entry) error {
	for _, e := range entries {
		s.logger.Info("audit_entry",
			zap.String("id", e.ID),
			zap.Uint64("sequence", e.Sequence),
			zap.String("event_type", e.EventType),
			zap.String("actor", e.Actor),
			zap.String("tenant_id", e.TenantID),
			zap.String("target", e.Target),
			zap.String("outcome", string(e.Outcome)),
			zap.String("risk_level", e.RiskLevel),
			zap.Strings("tags", e.Tags),
			zap.String("hash", e.Hash),
		)
	}
	return nil
}
