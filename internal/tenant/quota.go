package tenant

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Quota dimensions reported in violations.
const (
	DimensionDaily          = "daily"
	DimensionMonthly        = "monthly"
	DimensionConcurrent     = "concurrent"
	DimensionPayload        = "payload"
	DimensionToolBlocked    = "tool_blocked"
	DimensionToolNotAllowed = "tool_not_allowed"
)

// concurrentRetryHint is suggested when only the concurrency cap is hit.
const concurrentRetryHint = time.Second

// Limits bounds one tenant. Zero numeric limits are unlimited; an empty
// AllowedTools list allows every tool not in BlockedTools.
type Limits struct {
	Daily           int      `json:"daily"`
	Monthly         int      `json:"monthly"`
	Concurrent      int      `json:"concurrent"`
	MaxPayloadBytes int64    `json:"max_payload_bytes"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	BlockedTools    []string `json:"blocked_tools,omitempty"`
}

// LimitsSource supplies per-tenant limits from outside the process.
// found is false when the tenant has no row and defaults apply.
type LimitsSource interface {
	LimitsFor(ctx context.Context, tenant string) (limits Limits, found bool, err error)
}

// Violation is one exceeded quota dimension.
type Violation struct {
	Dimension  string        `json:"dimension"`
	Limit      int64         `json:"limit"`
	Current    int64         `json:"current"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after"`
}

// QuotaCheck lists every violated dimension. Allowed is true when there
// are none.
type QuotaCheck struct {
	Allowed    bool
	Violations []Violation
}

// Retryable reports whether waiting can clear every violation.
func (c QuotaCheck) Retryable() bool {
	if c.Allowed {
		return false
	}
	for _, v := range c.Violations {
		if !v.Retryable {
			return false
		}
	}
	return true
}

// RetryAfter is the longest hint among the violations.
func (c QuotaCheck) RetryAfter() time.Duration {
	var d time.Duration
	for _, v := range c.Violations {
		d = max(d, v.RetryAfter)
	}
	return d
}

// Usage is a point-in-time snapshot of a tenant's consumption.
type Usage struct {
	TenantID   string    `json:"tenant_id"`
	Daily      int       `json:"daily"`
	Monthly    int       `json:"monthly"`
	Concurrent int       `json:"concurrent"`
	LastReset  time.Time `json:"last_reset"`
	Limits     Limits    `json:"limits"`
}

type usage struct {
	mu         sync.Mutex
	daily      int
	monthly    int
	concurrent int
	lastReset  time.Time
}

// rollover zeroes counters whose UTC calendar period has ended.
func (u *usage) rollover(now time.Time) {
	now = now.UTC()
	last := u.lastReset.UTC()
	if now.Year() != last.Year() || now.Month() != last.Month() {
		u.monthly = 0
		u.daily = 0
		u.lastReset = now
		return
	}
	if now.YearDay() != last.YearDay() {
		u.daily = 0
		u.lastReset = now
	}
}

// QuotaOptions configures a QuotaManager.
type QuotaOptions struct {
	Default   Limits
	Overrides map[string]Limits
	Source    LimitsSource
	Logger    *zap.Logger
	Now       func() time.Time
}

// QuotaManager tracks daily, monthly and concurrent usage per tenant.
type QuotaManager struct {
	opts   QuotaOptions
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*usage
}

func NewQuotaManager(opts QuotaOptions) *QuotaManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &QuotaManager{opts: opts, logger: logger, now: now, tenants: make(map[string]*usage)}
}

// LimitsFor resolves limits from the source, then static overrides, then
// the default. Source errors are logged and the static limits apply.
func (m *QuotaManager) LimitsFor(ctx context.Context, tenant string) Limits {
	if m.opts.Source != nil {
		l, found, err := m.opts.Source.LimitsFor(ctx, tenant)
		if err != nil {
			m.logger.Warn("tenant limits lookup failed, using static limits",
				zap.String("tenant_id", tenant),
				zap.Error(err),
			)
		} else if found {
			return l
		}
	}
	if l, ok := m.opts.Overrides[tenant]; ok {
		return l
	}
	return m.opts.Default
}

func (m *QuotaManager) usageFor(tenant string) *usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.tenants[tenant]
	if !ok {
		u = &usage{lastReset: m.now().UTC()}
		m.tenants[tenant] = u
	}
	return u
}

// CheckQuota reports every dimension the request would violate without
// reserving anything.
func (m *QuotaManager) CheckQuota(ctx context.Context, tenant, tool string, payloadBytes int64) QuotaCheck {
	limits := m.LimitsFor(ctx, tenant)
	u := m.usageFor(tenant)

	u.mu.Lock()
	defer u.mu.Unlock()
	now := m.now()
	u.rollover(now)
	return check(u, limits, tool, payloadBytes, now)
}

// Begin atomically checks and reserves one request. The returned release
// must be called when the request ends; it is safe to call more than once.
// When the check fails nothing is reserved and release is a no-op.
func (m *QuotaManager) Begin(ctx context.Context, tenant, tool string, payloadBytes int64) (QuotaCheck, func()) {
	limits := m.LimitsFor(ctx, tenant)
	u := m.usageFor(tenant)

	u.mu.Lock()
	now := m.now()
	u.rollover(now)
	qc := check(u, limits, tool, payloadBytes, now)
	if !qc.Allowed {
		u.mu.Unlock()
		return qc, func() {}
	}
	u.daily++
	u.monthly++
	u.concurrent++
	u.mu.Unlock()

	var once sync.Once
	return qc, func() {
		once.Do(func() {
			u.mu.Lock()
			if u.concurrent > 0 {
				u.concurrent--
			}
			u.mu.Unlock()
		})
	}
}

// Usage returns a snapshot for tenant.
func (m *QuotaManager) Usage(ctx context.Context, tenant string) Usage {
	limits := m.LimitsFor(ctx, tenant)
	u := m.usageFor(tenant)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollover(m.now())
	return Usage{
		TenantID:   tenant,
		Daily:      u.daily,
		Monthly:    u.monthly,
		Concurrent: u.concurrent,
		LastReset:  u.lastReset,
		Limits:     limits,
	}
}

func check(u *usage, l Limits, tool string, payloadBytes int64, now time.Time) QuotaCheck {
	var vs []Violation

	if l.Daily > 0 && u.daily >= l.Daily {
		vs = append(vs, Violation{
			Dimension:  DimensionDaily,
			Limit:      int64(l.Daily),
			Current:    int64(u.daily),
			Retryable:  true,
			RetryAfter: untilNextDay(now),
		})
	}
	if l.Monthly > 0 && u.monthly >= l.Monthly {
		vs = append(vs, Violation{
			Dimension:  DimensionMonthly,
			Limit:      int64(l.Monthly),
			Current:    int64(u.monthly),
			Retryable:  true,
			RetryAfter: untilNextMonth(now),
		})
	}
	if l.Concurrent > 0 && u.concurrent >= l.Concurrent {
		vs = append(vs, Violation{
			Dimension:  DimensionConcurrent,
			Limit:      int64(l.Concurrent),
			Current:    int64(u.concurrent),
			Retryable:  true,
			RetryAfter: concurrentRetryHint,
		})
	}
	if l.MaxPayloadBytes > 0 && payloadBytes > l.MaxPayloadBytes {
		vs = append(vs, Violation{
			Dimension: DimensionPayload,
			Limit:     l.MaxPayloadBytes,
			Current:   payloadBytes,
		})
	}
	if slices.Contains(l.BlockedTools, tool) {
		vs = append(vs, Violation{Dimension: DimensionToolBlocked})
	} else if len(l.AllowedTools) > 0 && !slices.Contains(l.AllowedTools, tool) {
		vs = append(vs, Violation{Dimension: DimensionToolNotAllowed})
	}

	return QuotaCheck{Allowed: len(vs) == 0, Violations: vs}
}

func untilNextDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

func untilNextMonth(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
