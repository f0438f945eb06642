package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const selectLimitsSQL = `
	SELECT daily_limit, monthly_limit, concurrent_limit, max_payload_bytes,
	       allowed_tools, blocked_tools
	FROM tenant_limits
	WHERE tenant_id = $1`

// PostgresLimits loads per-tenant limits from the tenant_limits table.
// Tool lists are stored as comma-separated text. Rows (and their absence)
// are cached for the configured TTL.
type PostgresLimits struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]limitsEntry
}

type limitsEntry struct {
	limits    Limits
	found     bool
	expiresAt time.Time
}

// PostgresLimitsConfig configures PostgresLimits.
type PostgresLimitsConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewPostgresLimits(cfg PostgresLimitsConfig) *PostgresLimits {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLimits{
		db:     cfg.DB,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]limitsEntry),
	}
}

func (p *PostgresLimits) LimitsFor(ctx context.Context, tenant string) (Limits, bool, error) {
	p.mu.RLock()
	e, ok := p.cache[tenant]
	p.mu.RUnlock()
	if ok && p.now().Before(e.expiresAt) {
		return e.limits, e.found, nil
	}

	var (
		l                Limits
		daily, monthly   sql.NullInt64
		concurrent       sql.NullInt64
		payload          sql.NullInt64
		allowed, blocked sql.NullString
	)
	err := p.db.QueryRowContext(ctx, selectLimitsSQL, tenant).
		Scan(&daily, &monthly, &concurrent, &payload, &allowed, &blocked)
	found := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return Limits{}, false, fmt.Errorf("LimitsFor: %w", err)
	default:
		l = Limits{
			Daily:           int(daily.Int64),
			Monthly:         int(monthly.Int64),
			Concurrent:      int(concurrent.Int64),
			MaxPayloadBytes: payload.Int64,
			AllowedTools:    splitList(allowed.String),
			BlockedTools:    splitList(blocked.String),
		}
	}

	p.mu.Lock()
	p.cache[tenant] = limitsEntry{limits: l, found: found, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return l, found, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
