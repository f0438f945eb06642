package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"go.uber.org/zap"
)

const clickHouseSchema = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id            String,
		sequence      UInt64,
		timestamp     DateTime64(6, 'UTC'),
		event_type    LowCardinality(String),
		actor         String,
		target        String,
		tenant_id     String,
		outcome       LowCardinality(String),
		risk_level    LowCardinality(String),
		assessment_id String,
		tags          Array(String),
		details       String,
		previous_hash String,
		hash          String,
		signature     String
	) ENGINE = ReplacingMergeTree
	ORDER BY (sequence, id)
`

// OpenClickHouse parses dsn and returns a pinged database/sql handle backed
// by the native ClickHouse protocol.
func OpenClickHouse(ctx context.Context, dsn string) (*sql.DB, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	db := clickhouse.OpenDB(opts)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	return db, nil
}

// ClickHouseSink batch-inserts audit entries into ClickHouse. Each batch is
// one transaction so a failed send is retried whole by the flush loop; the
// ReplacingMergeTree engine collapses any rows a partial retry duplicates.
type ClickHouseSink struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewClickHouseSink(db *sql.DB, logger *zap.Logger) *ClickHouseSink {
	return &ClickHouseSink{db: db, logger: logger}
}

// Migrate creates the audit_entries table if it does not exist.
func (s *ClickHouseSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, clickHouseSchema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Handle(ctx context.Context, entries []*audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clickhouse begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO audit_entries ("+columnList()+")")
	if err != nil {
		return fmt.Errorf("clickhouse prepare batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			s.logger.Error("clickhouse encode details failed",
				zap.String("entry_id", e.ID),
				zap.Error(err),
			)
			details = []byte("null")
		}
		tags := e.Tags
		if tags == nil {
			tags = []string{}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.Sequence,
			e.Timestamp,
			e.EventType,
			e.Actor,
			e.Target,
			e.TenantID,
			string(e.Outcome),
			e.RiskLevel,
			e.AssessmentID,
			tags,
			string(details),
			e.PreviousHash,
			e.Hash,
			e.Signature,
		); err != nil {
			return fmt.Errorf("clickhouse append entry %d: %w", e.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clickhouse batch send (%d entries): %w", len(entries), err)
	}
	s.logger.Debug("clickhouse batch sent",
		zap.Int("batch_size", len(entries)),
		zap.Uint64("last_sequence", entries[len(entries)-1].Sequence),
	)
	return nil
}
