package config

import (
	"maps"
	"time"
)

// Merge returns base with every set field of override applied on top.
// It never mutates either argument. Slices replace wholesale when the
// override slice is non-nil; maps merge key by key.
func Merge(base, override Config) Config {
	out := base

	out.Server = ServerConfig{
		GRPCPort:      str(base.Server.GRPCPort, override.Server.GRPCPort),
		HTTPPort:      str(base.Server.HTTPPort, override.Server.HTTPPort),
		LogLevel:      str(base.Server.LogLevel, override.Server.LogLevel),
		HTTPRateLimit: num(base.Server.HTTPRateLimit, override.Server.HTTPRateLimit),
		HTTPBurst:     num(base.Server.HTTPBurst, override.Server.HTTPBurst),
	}

	out.Auth = AuthConfig{
		Required:  flag(base.Auth.Required, override.Auth.Required),
		Mode:      str(base.Auth.Mode, override.Auth.Mode),
		Keys:      mergeMap(base.Auth.Keys, override.Auth.Keys),
		JWTSecret: str(base.Auth.JWTSecret, override.Auth.JWTSecret),
		JWTIssuer: str(base.Auth.JWTIssuer, override.Auth.JWTIssuer),
		CacheTTL:  num(base.Auth.CacheTTL, override.Auth.CacheTTL),
	}

	out.Input = InputConfig{
		BlockPatterns: list(base.Input.BlockPatterns, override.Input.BlockPatterns),
		CaseSensitive: flag(base.Input.CaseSensitive, override.Input.CaseSensitive),
	}

	out.Integrity = IntegrityConfig{
		FailOnMismatch: flag(base.Integrity.FailOnMismatch, override.Integrity.FailOnMismatch),
		BlockedNames:   list(base.Integrity.BlockedNames, override.Integrity.BlockedNames),
	}

	out.Risk = RiskConfig{
		ApprovalThreshold:     num(base.Risk.ApprovalThreshold, override.Risk.ApprovalThreshold),
		BlockThreshold:        num(base.Risk.BlockThreshold, override.Risk.BlockThreshold),
		ProductionPenalty:     num(base.Risk.ProductionPenalty, override.Risk.ProductionPenalty),
		StagingPenalty:        num(base.Risk.StagingPenalty, override.Risk.StagingPenalty),
		ElevatedRolePenalty:   num(base.Risk.ElevatedRolePenalty, override.Risk.ElevatedRolePenalty),
		AutomatedActorPenalty: num(base.Risk.AutomatedActorPenalty, override.Risk.AutomatedActorPenalty),
		ElevatedRoles:         list(base.Risk.ElevatedRoles, override.Risk.ElevatedRoles),
		AutoApprovedTools:     list(base.Risk.AutoApprovedTools, override.Risk.AutoApprovedTools),
		Rules:                 list(base.Risk.Rules, override.Risk.Rules),
		EvalTimeout:           num(base.Risk.EvalTimeout, override.Risk.EvalTimeout),
		Environment:           str(base.Risk.Environment, override.Risk.Environment),
	}

	out.Approval = ApprovalConfig{
		Mode:    str(base.Approval.Mode, override.Approval.Mode),
		Timeout: num(base.Approval.Timeout, override.Approval.Timeout),
	}

	out.Privacy = PrivacyConfig{
		Enabled:  flag(base.Privacy.Enabled, override.Privacy.Enabled),
		TokenTTL: num(base.Privacy.TokenTTL, override.Privacy.TokenTTL),
	}

	out.Sandbox = SandboxConfig{
		Timeout:        num(base.Sandbox.Timeout, override.Sandbox.Timeout),
		MemoryBytes:    num(base.Sandbox.MemoryBytes, override.Sandbox.MemoryBytes),
		DiskBytes:      num(base.Sandbox.DiskBytes, override.Sandbox.DiskBytes),
		MaxConnections: num(base.Sandbox.MaxConnections, override.Sandbox.MaxConnections),
		AllowedHosts:   list(base.Sandbox.AllowedHosts, override.Sandbox.AllowedHosts),
		DeniedHosts:    list(base.Sandbox.DeniedHosts, override.Sandbox.DeniedHosts),
		MaxConcurrent:  num(base.Sandbox.MaxConcurrent, override.Sandbox.MaxConcurrent),
		ScratchRoot:    str(base.Sandbox.ScratchRoot, override.Sandbox.ScratchRoot),
		WasmDir:        str(base.Sandbox.WasmDir, override.Sandbox.WasmDir),
	}

	out.RateLimit = RateLimitConfig{
		Limit:     num(base.RateLimit.Limit, override.RateLimit.Limit),
		Window:    num(base.RateLimit.Window, override.RateLimit.Window),
		PerTool:   flag(base.RateLimit.PerTool, override.RateLimit.PerTool),
		Overrides: mergeMap(base.RateLimit.Overrides, override.RateLimit.Overrides),
		RedisAddr: str(base.RateLimit.RedisAddr, override.RateLimit.RedisAddr),
	}

	out.Quota = QuotaConfig{
		Default:   mergeQuota(base.Quota.Default, override.Quota.Default),
		Overrides: mergeMap(base.Quota.Overrides, override.Quota.Overrides),
	}

	out.Leak = LeakConfig{
		AutoSanitize: flag(base.Leak.AutoSanitize, override.Leak.AutoSanitize),
		ScanPII:      flag(base.Leak.ScanPII, override.Leak.ScanPII),
	}

	out.Audit = AuditConfig{
		SigningKey:    str(base.Audit.SigningKey, override.Audit.SigningKey),
		MaxEntries:    num(base.Audit.MaxEntries, override.Audit.MaxEntries),
		FlushInterval: num(base.Audit.FlushInterval, override.Audit.FlushInterval),
		QueueLimit:    num(base.Audit.QueueLimit, override.Audit.QueueLimit),
		SQLitePath:    str(base.Audit.SQLitePath, override.Audit.SQLitePath),
		ClickHouseDSN: str(base.Audit.ClickHouseDSN, override.Audit.ClickHouseDSN),
	}

	out.Evidence = EvidenceConfig{
		SigningKey:   str(base.Evidence.SigningKey, override.Evidence.SigningKey),
		KeyID:        str(base.Evidence.KeyID, override.Evidence.KeyID),
		BindHighRisk: flag(base.Evidence.BindHighRisk, override.Evidence.BindHighRisk),
	}

	out.Storage = StorageConfig{
		PostgresDSN:  str(base.Storage.PostgresDSN, override.Storage.PostgresDSN),
		ToolCacheTTL: num(base.Storage.ToolCacheTTL, override.Storage.ToolCacheTTL),
	}

	return out
}

func mergeQuota(base, override TenantQuota) TenantQuota {
	return TenantQuota{
		Daily:           num(base.Daily, override.Daily),
		Monthly:         num(base.Monthly, override.Monthly),
		Concurrent:      num(base.Concurrent, override.Concurrent),
		MaxPayloadBytes: num(base.MaxPayloadBytes, override.MaxPayloadBytes),
		AllowedTools:    list(base.AllowedTools, override.AllowedTools),
		BlockedTools:    list(base.BlockedTools, override.BlockedTools),
	}
}

type number interface {
	~int | ~int64 | ~float64
}

func num[T number](base, override T) T {
	if override != 0 {
		return override
	}
	return base
}

func str(base, override string) string {
	if override != "" {
		return override
	}
	return base
}

func flag(base, override *bool) *bool {
	if override != nil {
		v := *override
		return &v
	}
	if base != nil {
		v := *base
		return &v
	}
	return nil
}

func list[T any](base, override []T) []T {
	src := base
	if override != nil {
		src = override
	}
	if src == nil {
		return nil
	}
	return append([]T(nil), src...)
}

func mergeMap[V any](base, override map[string]V) map[string]V {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]V, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

// durationOf is used by Environ for *_MS style variables.
func durationOf(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
