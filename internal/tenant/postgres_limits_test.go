package tenant

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

var limitColumns = []string{
	"daily_limit", "monthly_limit", "concurrent_limit", "max_payload_bytes",
	"allowed_tools", "blocked_tools",
}

func TestPostgresLimits_LoadsAndCaches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_limits")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(limitColumns).AddRow(
			int64(500), int64(9000), int64(3), int64(2048), "search, echo", nil,
		))

	p := NewPostgresLimits(PostgresLimitsConfig{DB: db, CacheTTL: time.Minute, Logger: zap.NewNop()})
	for i := 0; i < 2; i++ {
		l, found, err := p.LimitsFor(context.Background(), "acme")
		if err != nil || !found {
			t.Fatalf("expected row, got found=%v err=%v", found, err)
		}
		if l.Daily != 500 || l.Concurrent != 3 || l.MaxPayloadBytes != 2048 {
			t.Fatalf("unexpected limits: %+v", l)
		}
		if len(l.AllowedTools) != 2 || l.AllowedTools[1] != "echo" || l.BlockedTools != nil {
			t.Fatalf("unexpected tool lists: %+v", l)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected a single query: %v", err)
	}
}

func TestPostgresLimits_MissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_limits")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(limitColumns))

	p := NewPostgresLimits(PostgresLimitsConfig{DB: db})
	_, found, err := p.LimitsFor(context.Background(), "ghost")
	if err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}
	if _, found, _ := p.LimitsFor(context.Background(), "ghost"); found {
		t.Fatal("expected cached miss")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLimits_FeedsQuotaManager(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_limits")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(limitColumns).AddRow(
			int64(1), int64(0), int64(0), int64(0), "", "",
		))

	m := NewQuotaManager(QuotaOptions{
		Default: Limits{Daily: 100},
		Source:  NewPostgresLimits(PostgresLimitsConfig{DB: db}),
	})
	ctx := context.Background()
	if qc, _ := m.Begin(ctx, "acme", "x", 0); !qc.Allowed {
		t.Fatalf("expected first request allowed, got %+v", qc)
	}
	if qc := m.CheckQuota(ctx, "acme", "x", 0); qc.Allowed {
		t.Fatal("expected daily limit of 1 from postgres to apply")
	}
}
