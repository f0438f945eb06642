package config

import (
	"strconv"
	"time"
)

// Environ builds an override Config from environment variables. It is
// applied last, after the YAML file, by FromEnvironment.
func Environ(getenv func(string) string) Config {
	var c Config

	c.Server.GRPCPort = getenv("TOOL_GATEWAY_GRPC_PORT")
	c.Server.HTTPPort = getenv("TOOL_GATEWAY_HTTP_PORT")
	c.Server.LogLevel = getenv("TOOL_GATEWAY_LOG_LEVEL")

	c.Auth.Mode = getenv("TOOL_GATEWAY_AUTH_MODE")
	c.Auth.JWTSecret = getenv("TOOL_GATEWAY_JWT_SECRET")
	c.Auth.Required = envBool(getenv, "TOOL_GATEWAY_AUTH_REQUIRED")
	if s := envInt(getenv, "TOOL_GATEWAY_AUTH_CACHE_TTL_S"); s > 0 {
		c.Auth.CacheTTL = time.Duration(s) * time.Second
	}

	c.Input.CaseSensitive = envBool(getenv, "TOOL_GATEWAY_BLOCK_CASE_SENSITIVE")

	c.Risk.ApprovalThreshold = envFloat(getenv, "TOOL_GATEWAY_APPROVAL_THRESHOLD")
	c.Risk.BlockThreshold = envFloat(getenv, "TOOL_GATEWAY_BLOCK_THRESHOLD")
	c.Risk.Environment = getenv("TOOL_GATEWAY_ENVIRONMENT")
	if ms := envInt(getenv, "TOOL_GATEWAY_EVAL_TIMEOUT_MS"); ms > 0 {
		c.Risk.EvalTimeout = durationOf(ms)
	}

	c.Approval.Mode = getenv("TOOL_GATEWAY_APPROVAL_MODE")
	if s := envInt(getenv, "TOOL_GATEWAY_APPROVAL_TIMEOUT_S"); s > 0 {
		c.Approval.Timeout = time.Duration(s) * time.Second
	}

	c.RateLimit.Limit = envInt(getenv, "TOOL_GATEWAY_RATE_LIMIT")
	c.RateLimit.RedisAddr = getenv("REDIS_ADDR")

	c.Audit.SigningKey = getenv("TOOL_GATEWAY_AUDIT_KEY")
	c.Audit.SQLitePath = getenv("TOOL_GATEWAY_AUDIT_SQLITE")
	c.Audit.ClickHouseDSN = getenv("CLICKHOUSE_DSN")

	c.Evidence.SigningKey = getenv("TOOL_GATEWAY_EVIDENCE_KEY")

	c.Storage.PostgresDSN = getenv("POSTGRES_DSN")
	if s := envInt(getenv, "TOOL_GATEWAY_TOOL_CACHE_TTL_S"); s > 0 {
		c.Storage.ToolCacheTTL = time.Duration(s) * time.Second
	}

	c.Sandbox.WasmDir = getenv("TOOL_GATEWAY_WASM_DIR")

	return c
}

// FromEnvironment loads the optional YAML file at path (skipped when empty)
// and applies environment overrides on top.
func FromEnvironment(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	cfg = Merge(cfg, Environ(getenv))
	return cfg, cfg.Validate()
}

func envInt(getenv func(string) string, key string) int {
	if v := getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return 0
}

func envFloat(getenv func(string) string, key string) float64 {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

func envBool(getenv func(string) string, key string) *bool {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	return nil
}
