package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// The triggers make the table append-only at the database level.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id            TEXT NOT NULL UNIQUE,
		sequence      INTEGER PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		actor         TEXT NOT NULL,
		target        TEXT NOT NULL DEFAULT '',
		tenant_id     TEXT NOT NULL DEFAULT '',
		outcome       TEXT NOT NULL,
		risk_level    TEXT NOT NULL DEFAULT '',
		assessment_id TEXT NOT NULL DEFAULT '',
		tags          TEXT NOT NULL DEFAULT '[]',
		details       TEXT NOT NULL DEFAULT 'null',
		previous_hash TEXT NOT NULL,
		hash          TEXT NOT NULL,
		signature     TEXT NOT NULL
	);
	CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
		BEFORE UPDATE ON audit_entries
		BEGIN SELECT RAISE(ABORT, 'audit_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
		BEFORE DELETE ON audit_entries
		BEGIN SELECT RAISE(ABORT, 'audit_entries is append-only'); END;
`

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLite: %w", err)
	}
	// one writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteSink persists every entry to a local append-only table. It keeps
// the full chain from genesis regardless of in-memory rotation, which makes
// it the source the offline verifier reads.
type SQLiteSink struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteSink creates the schema if needed.
func NewSQLiteSink(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteSink, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("NewSQLiteSink: migrate: %w", err)
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Handle inserts the batch in one transaction. Rows that already exist are
// skipped so a retried batch is idempotent.
func (s *SQLiteSink) Handle(ctx context.Context, entries []*audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO audit_entries ("+columnList()+") VALUES ("+placeholders(len(auditColumns))+")")
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		tags, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("sqlite encode tags: %w", err)
		}
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("sqlite encode details: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			int64(e.Sequence),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EventType,
			e.Actor,
			e.Target,
			e.TenantID,
			string(e.Outcome),
			e.RiskLevel,
			e.AssessmentID,
			string(tags),
			string(details),
			e.PreviousHash,
			e.Hash,
			e.Signature,
		); err != nil {
			return fmt.Errorf("sqlite insert entry %d: %w", e.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Load returns every persisted entry in sequence order.
func (s *SQLiteSink) Load(ctx context.Context) ([]*audit.Entry, error) {
	return LoadSQLite(ctx, s.db)
}

// LoadSQLite reads the audit_entries table of db in sequence order.
func LoadSQLite(ctx context.Context, db *sql.DB) ([]*audit.Entry, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+columnList()+" FROM audit_entries ORDER BY sequence")
	if err != nil {
		return nil, fmt.Errorf("LoadSQLite: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			seq     int64
			ts      string
			outcome string
			tags    string
			details string
		)
		if err := rows.Scan(&e.ID, &seq, &ts, &e.EventType, &e.Actor, &e.Target, &e.TenantID,
			&outcome, &e.RiskLevel, &e.AssessmentID, &tags, &details,
			&e.PreviousHash, &e.Hash, &e.Signature); err != nil {
			return nil, fmt.Errorf("LoadSQLite: scan: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Outcome = audit.Outcome(outcome)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("LoadSQLite: entry %d timestamp: %w", seq, err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("LoadSQLite: entry %d tags: %w", seq, err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("LoadSQLite: entry %d details: %w", seq, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadSQLite: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
