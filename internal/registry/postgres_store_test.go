package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

var toolColumns = []string{
	"name", "description", "risk_tier", "permissions", "input_schema",
	"runtime", "version", "metadata", "integrity_hash", "registered_at",
}

func TestPostgresStore_LoadToolCachesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	regAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM gateway_tools")).
		WithArgs("send_email").
		WillReturnRows(sqlmock.NewRows(toolColumns).AddRow(
			"send_email", "Send mail", "medium", `["external:api"]`, `{"type":"object"}`,
			"native", "1.0.0", `{"owner":"comms"}`, "abc123", regAt,
		))

	s := NewPostgresStore(PostgresStoreConfig{DB: db, CacheTTL: time.Minute, Logger: zap.NewNop()})

	for i := 0; i < 2; i++ {
		tool, err := s.LoadTool(context.Background(), "send_email")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tool.RiskTier != TierMedium || !tool.HasPermission(PermExternalAPI) {
			t.Fatalf("unexpected tool: %+v", tool)
		}
		if tool.Metadata["owner"] != "comms" || tool.InputSchema["type"] != "object" {
			t.Fatalf("unexpected decoded json columns: %+v", tool)
		}
		if tool.IntegrityHash != "abc123" || !tool.RegisteredAt.Equal(regAt) {
			t.Fatalf("unexpected hash/time: %s %v", tool.IntegrityHash, tool.RegisteredAt)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected a single query thanks to caching: %v", err)
	}
}

func TestPostgresStore_LoadToolMissingIsNegativelyCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM gateway_tools")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(toolColumns))

	s := NewPostgresStore(PostgresStoreConfig{DB: db, CacheTTL: time.Minute})
	for i := 0; i < 2; i++ {
		tool, err := s.LoadTool(context.Background(), "ghost")
		if err != nil || tool != nil {
			t.Fatalf("expected (nil, nil), got %+v, %v", tool, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SaveAndDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(PostgresStoreConfig{DB: db, CacheTTL: time.Minute})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gateway_tools")).
		WithArgs("send_email", "Send an email on behalf of the user", "medium", `["external:api"]`,
			sqlmock.AnyArg(), "native", "1.0.0", "null", "h1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM gateway_tools")).
		WithArgs("send_email").
		WillReturnResult(sqlmock.NewResult(0, 1))

	def := sampleTool()
	def.Runtime = RuntimeNative
	def.IntegrityHash = "h1"
	if err := s.SaveTool(context.Background(), &def); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Served from cache, no query expected.
	tool, err := s.LoadTool(context.Background(), "send_email")
	if err != nil || tool == nil || tool.IntegrityHash != "h1" {
		t.Fatalf("expected cached tool after save, got %+v, %v", tool, err)
	}

	if err := s.DeleteTool(context.Background(), "send_email"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tool, err = s.LoadTool(context.Background(), "send_email")
	if err != nil || tool != nil {
		t.Fatalf("expected negative cache after delete, got %+v, %v", tool, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistry_WithPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gateway_tools")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := New(Options{Store: NewPostgresStore(PostgresStoreConfig{DB: db, CacheTTL: time.Minute})})
	if _, err := r.RegisterTool(context.Background(), sampleTool(), noopHandler()); err != nil {
		t.Fatalf("register: %v", err)
	}

	tool, _, err := r.Lookup(context.Background(), "send_email")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := r.Verify(tool); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
