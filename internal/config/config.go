package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration. Zero values in an override
// mean "keep the base value"; pointer fields use nil for the same purpose so
// that an explicit false can still be expressed.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Input     InputConfig     `yaml:"input"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Risk      RiskConfig      `yaml:"risk"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Leak      LeakConfig      `yaml:"leak"`
	Audit     AuditConfig     `yaml:"audit"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Storage   StorageConfig   `yaml:"storage"`
}

type ServerConfig struct {
	GRPCPort      string  `yaml:"grpc_port"`
	HTTPPort      string  `yaml:"http_port"`
	LogLevel      string  `yaml:"log_level"`
	HTTPRateLimit float64 `yaml:"http_rate_limit"` // requests/sec per client
	HTTPBurst     int     `yaml:"http_burst"`
}

// KeyConfig maps a static API key to the identity it authenticates as.
type KeyConfig struct {
	TenantID  string `yaml:"tenant_id"`
	ActorID   string `yaml:"actor_id"`
	ActorType string `yaml:"actor_type"`
	Role      string `yaml:"role"`
}

type AuthConfig struct {
	Required  *bool                `yaml:"required"` // nil = true
	Mode      string               `yaml:"mode"`     // "static", "postgres" or "jwt"
	Keys      map[string]KeyConfig `yaml:"keys"`
	JWTSecret string               `yaml:"jwt_secret"`
	JWTIssuer string               `yaml:"jwt_issuer"`
	CacheTTL  time.Duration        `yaml:"cache_ttl"`
}

// IsRequired reports whether requests must carry a valid credential.
func (c AuthConfig) IsRequired() bool {
	if c.Required == nil {
		return true
	}
	return *c.Required
}

type InputConfig struct {
	BlockPatterns []string `yaml:"block_patterns"`
	CaseSensitive *bool    `yaml:"case_sensitive"` // nil = false
}

// IsCaseSensitive reports whether block patterns match case-sensitively.
func (c InputConfig) IsCaseSensitive() bool {
	return c.CaseSensitive != nil && *c.CaseSensitive
}

type IntegrityConfig struct {
	FailOnMismatch *bool    `yaml:"fail_on_mismatch"` // nil = true
	BlockedNames   []string `yaml:"blocked_names"`
}

// IsFailOnMismatch reports whether a tool hash mismatch aborts the request.
func (c IntegrityConfig) IsFailOnMismatch() bool {
	if c.FailOnMismatch == nil {
		return true
	}
	return *c.FailOnMismatch
}

// RuleConfig is an operator-supplied CEL expression that adds Weight to the
// risk score when it evaluates to true.
type RuleConfig struct {
	Name        string  `yaml:"name"`
	Expression  string  `yaml:"expression"`
	Weight      float64 `yaml:"weight"`
	Description string  `yaml:"description"`
}

type RiskConfig struct {
	ApprovalThreshold     float64       `yaml:"approval_threshold"`
	BlockThreshold        float64       `yaml:"block_threshold"`
	ProductionPenalty     float64       `yaml:"production_penalty"`
	StagingPenalty        float64       `yaml:"staging_penalty"`
	ElevatedRolePenalty   float64       `yaml:"elevated_role_penalty"`
	AutomatedActorPenalty float64       `yaml:"automated_actor_penalty"`
	ElevatedRoles         []string      `yaml:"elevated_roles"`
	AutoApprovedTools     []string      `yaml:"auto_approved_tools"`
	Rules                 []RuleConfig  `yaml:"rules"`
	EvalTimeout           time.Duration `yaml:"eval_timeout"`

	// Environment is the deployment environment the gateway fronts. When
	// set it replaces whatever environment the caller claims.
	Environment string `yaml:"environment"`
}

type ApprovalConfig struct {
	Mode    string        `yaml:"mode"` // always, never, risk-based, first-use
	Timeout time.Duration `yaml:"timeout"`
}

type PrivacyConfig struct {
	Enabled  *bool         `yaml:"enabled"` // nil = true
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// IsEnabled reports whether arguments are tokenized before execution.
func (c PrivacyConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MemoryBytes    int64         `yaml:"memory_bytes"`
	DiskBytes      int64         `yaml:"disk_bytes"`
	MaxConnections int           `yaml:"max_connections"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	DeniedHosts    []string      `yaml:"denied_hosts"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
	ScratchRoot    string        `yaml:"scratch_root"`
	WasmDir        string        `yaml:"wasm_dir"`
}

type RateLimitConfig struct {
	Limit     int            `yaml:"limit"`
	Window    time.Duration  `yaml:"window"`
	PerTool   *bool          `yaml:"per_tool"` // nil = false
	Overrides map[string]int `yaml:"overrides"`
	RedisAddr string         `yaml:"redis_addr"`
}

// IsPerTool reports whether buckets are keyed by tenant and tool.
func (c RateLimitConfig) IsPerTool() bool {
	return c.PerTool != nil && *c.PerTool
}

// TenantQuota bounds one tenant's usage. Zero numeric limits are unlimited.
type TenantQuota struct {
	Daily           int      `yaml:"daily"`
	Monthly         int      `yaml:"monthly"`
	Concurrent      int      `yaml:"concurrent"`
	MaxPayloadBytes int64    `yaml:"max_payload_bytes"`
	AllowedTools    []string `yaml:"allowed_tools"`
	BlockedTools    []string `yaml:"blocked_tools"`
}

type QuotaConfig struct {
	Default   TenantQuota            `yaml:"default"`
	Overrides map[string]TenantQuota `yaml:"overrides"`
}

type LeakConfig struct {
	AutoSanitize *bool `yaml:"auto_sanitize"` // nil = true
	ScanPII      *bool `yaml:"scan_pii"`      // nil = true
}

// IsAutoSanitize reports whether leaks are redacted instead of failing the request.
func (c LeakConfig) IsAutoSanitize() bool {
	if c.AutoSanitize == nil {
		return true
	}
	return *c.AutoSanitize
}

// IsScanPII reports whether responses are scanned for PII in addition to
// foreign tenant identifiers.
func (c LeakConfig) IsScanPII() bool {
	if c.ScanPII == nil {
		return true
	}
	return *c.ScanPII
}

type AuditConfig struct {
	SigningKey    string        `yaml:"signing_key"`
	MaxEntries    int           `yaml:"max_entries"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueLimit    int           `yaml:"queue_limit"`
	SQLitePath    string        `yaml:"sqlite_path"`
	ClickHouseDSN string        `yaml:"clickhouse_dsn"`
}

type EvidenceConfig struct {
	SigningKey   string `yaml:"signing_key"`
	KeyID        string `yaml:"key_id"`
	BindHighRisk *bool  `yaml:"bind_high_risk"` // nil = true
}

// IsBindHighRisk reports whether evidence bindings are produced for requests
// whose recommendation required approval or escalation.
func (c EvidenceConfig) IsBindHighRisk() bool {
	if c.BindHighRisk == nil {
		return true
	}
	return *c.BindHighRisk
}

type StorageConfig struct {
	PostgresDSN  string        `yaml:"postgres_dsn"`
	ToolCacheTTL time.Duration `yaml:"tool_cache_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			GRPCPort:      "50053",
			HTTPPort:      "8080",
			LogLevel:      "info",
			HTTPRateLimit: 50,
			HTTPBurst:     100,
		},
		Auth: AuthConfig{
			Mode:     "static",
			CacheTTL: 30 * time.Second,
		},
		Input: InputConfig{
			BlockPatterns: []string{
				`ignore (all )?previous instructions`,
				`rm\s+-rf\s+/`,
				`;\s*drop\s+table`,
			},
		},
		Risk: RiskConfig{
			ApprovalThreshold:     0.7,
			BlockThreshold:        0.9,
			ProductionPenalty:     0.2,
			StagingPenalty:        0.05,
			ElevatedRolePenalty:   0.1,
			AutomatedActorPenalty: 0.1,
			ElevatedRoles:         []string{"admin", "root", "owner"},
			AutoApprovedTools:     []string{"forge_list_sessions"},
			EvalTimeout:           50 * time.Millisecond,
		},
		Approval: ApprovalConfig{
			Mode:    "risk-based",
			Timeout: 5 * time.Minute,
		},
		Privacy: PrivacyConfig{
			TokenTTL: time.Hour,
		},
		Sandbox: SandboxConfig{
			Timeout:        30 * time.Second,
			MemoryBytes:    64 << 20,
			DiskBytes:      16 << 20,
			MaxConnections: 4,
			MaxConcurrent:  16,
		},
		RateLimit: RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		},
		Quota: QuotaConfig{
			Default: TenantQuota{
				Daily:           10_000,
				Monthly:         200_000,
				Concurrent:      10,
				MaxPayloadBytes: 1 << 20,
			},
		},
		Audit: AuditConfig{
			MaxEntries:    100_000,
			FlushInterval: time.Second,
			QueueLimit:    10_000,
		},
		Evidence: EvidenceConfig{
			KeyID: "default",
		},
		Storage: StorageConfig{
			ToolCacheTTL: 60 * time.Second,
		},
	}
}

// Load reads a YAML file and merges it over Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("Load: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and merges it over Default.
func Parse(data []byte) (Config, error) {
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Config{}, fmt.Errorf("Parse: %w", err)
	}
	return Merge(Default(), override), nil
}

var (
	ErrInvalidThreshold = errors.New("config: thresholds must satisfy 0 <= approval < block <= 1")
	ErrInvalidMode      = errors.New("config: unknown mode")
	ErrInvalidLimit     = errors.New("config: rate limit and window must be positive")
)

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	r := c.Risk
	if r.ApprovalThreshold < 0 || r.BlockThreshold > 1 || r.ApprovalThreshold >= r.BlockThreshold {
		return ErrInvalidThreshold
	}
	switch r.Environment {
	case "", "development", "staging", "production":
	default:
		return fmt.Errorf("%w: risk environment %q", ErrInvalidMode, r.Environment)
	}
	switch c.Approval.Mode {
	case "always", "never", "risk-based", "first-use":
	default:
		return fmt.Errorf("%w: approval mode %q", ErrInvalidMode, c.Approval.Mode)
	}
	switch c.Auth.Mode {
	case "static", "postgres", "jwt":
	default:
		return fmt.Errorf("%w: auth mode %q", ErrInvalidMode, c.Auth.Mode)
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" {
		return errors.New("config: jwt auth requires jwt_secret")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return ErrInvalidLimit
	}
	for tenant, limit := range c.RateLimit.Overrides {
		if limit <= 0 {
			return fmt.Errorf("%w: override for %s", ErrInvalidLimit, tenant)
		}
	}
	return nil
}
