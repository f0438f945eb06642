package evaluators

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/engine"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

// sensitivePermissions each add permissionWeight to the score.
var sensitivePermissions = []string{
	registry.PermFilesystemWrite,
	registry.PermDatabaseWrite,
	registry.PermSecretsRead,
	registry.PermExternalAPI,
}

const permissionWeight = 0.1

// PermissionEvaluator penalizes tools that declare sensitive permissions.
type PermissionEvaluator struct{}

func NewPermissionEvaluator() *PermissionEvaluator {
	return &PermissionEvaluator{}
}

func (e *PermissionEvaluator) Name() string {
	return "permissions"
}

func (e *PermissionEvaluator) Inline() {}

func (e *PermissionEvaluator) Evaluate(_ context.Context, req *engine.AssessRequest) (*engine.Finding, error) {
	if req.Tool == nil {
		return &engine.Finding{}, nil
	}
	f := &engine.Finding{}
	for _, perm := range sensitivePermissions {
		if req.Tool.HasPermission(perm) {
			f.Factors = append(f.Factors, engine.Factor{
				Name:        "permission:" + perm,
				Weight:      permissionWeight,
				Description: "tool declares sensitive permission " + perm,
			})
		}
	}
	return f, nil
}
