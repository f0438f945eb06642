package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/config"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine/evaluators"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
)

// NewEngine builds the risk engine with every built-in evaluator plus the
// operator rules from cfg.
func NewEngine(cfg config.RiskConfig, logger *zap.Logger) (*engine.Engine, error) {
	evals := []engine.Evaluator{
		evaluators.NewRiskTierEvaluator(),
		evaluators.NewPermissionEvaluator(),
		evaluators.NewContextualRulesEvaluator(evaluators.ContextPenalties{
			Production:     cfg.ProductionPenalty,
			Staging:        cfg.StagingPenalty,
			ElevatedRole:   cfg.ElevatedRolePenalty,
			AutomatedActor: cfg.AutomatedActorPenalty,
			ElevatedRoles:  cfg.ElevatedRoles,
		}),
		evaluators.NewArgumentValidationEvaluator(),
		evaluators.NewDeceptiveComplianceEvaluator(),
		evaluators.NewRewardHackingEvaluator(),
	}
	if len(cfg.Rules) > 0 {
		rules := make([]evaluators.Rule, 0, len(cfg.Rules))
		for _, r := range cfg.Rules {
			rules = append(rules, evaluators.Rule{
				Name:        r.Name,
				Expression:  r.Expression,
				Weight:      r.Weight,
				Description: r.Description,
			})
		}
		re, err := evaluators.NewRulesEvaluator(rules)
		if err != nil {
			return nil, fmt.Errorf("NewEngine: %w", err)
		}
		evals = append(evals, re)
	}
	return engine.New(evals, AggregatorConfig(cfg), cfg.EvalTimeout, logger), nil
}

func AggregatorConfig(cfg config.RiskConfig) engine.AggregatorConfig {
	return engine.AggregatorConfig{
		ApprovalThreshold: cfg.ApprovalThreshold,
		BlockThreshold:    cfg.BlockThreshold,
		AutoApprovedTools: cfg.AutoApprovedTools,
	}
}

func LimiterConfig(cfg config.RateLimitConfig) tenant.LimiterConfig {
	return tenant.LimiterConfig{
		Limit:     cfg.Limit,
		Window:    cfg.Window,
		PerTool:   cfg.IsPerTool(),
		Overrides: cfg.Overrides,
	}
}

func QuotaLimits(q config.TenantQuota) tenant.Limits {
	return tenant.Limits{
		Daily:           q.Daily,
		Monthly:         q.Monthly,
		Concurrent:      q.Concurrent,
		MaxPayloadBytes: q.MaxPayloadBytes,
		AllowedTools:    q.AllowedTools,
		BlockedTools:    q.BlockedTools,
	}
}

// QuotaOptions converts the static quota config. Source, Logger and Now
// are left for the caller.
func QuotaOptions(cfg config.QuotaConfig) tenant.QuotaOptions {
	overrides := make(map[string]tenant.Limits, len(cfg.Overrides))
	for id, q := range cfg.Overrides {
		overrides[id] = QuotaLimits(q)
	}
	return tenant.QuotaOptions{Default: QuotaLimits(cfg.Default), Overrides: overrides}
}

// SandboxLimits converts the sandbox config. The wasm CPU budget is the
// wall-clock timeout.
func SandboxLimits(cfg config.SandboxConfig) sandbox.Limits {
	return sandbox.Limits{
		Timeout:        cfg.Timeout,
		CPUTime:        cfg.Timeout,
		MemoryBytes:    cfg.MemoryBytes,
		DiskBytes:      cfg.DiskBytes,
		MaxConnections: cfg.MaxConnections,
		AllowedHosts:   cfg.AllowedHosts,
		DeniedHosts:    cfg.DeniedHosts,
	}
}
