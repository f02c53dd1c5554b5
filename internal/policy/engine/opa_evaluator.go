package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/policy/domain"
)

const missingQuery = "data.gsr.prerequisites.missing"

// DefaultRegoPolicy mirrors StaticEvaluator. Operators may replace it with a module in the same package.
const DefaultRegoPolicy = `package gsr.prerequisites

missing contains "insufficient_storage" if {
	input.available_storage_bytes < input.min_storage_bytes
}

missing contains "no_recorders" if {
	input.recorder_count < 1
}

missing contains concat("", ["permission:", p]) if {
	some p in input.required_permissions
	not input.permissions[p]
}

missing contains "recovery_not_completed" if {
	not input.recovery_completed
}
`

// OPAEvaluator evaluates session prerequisites with OPA Rego.
type OPAEvaluator struct {
	compiler *ast.Compiler
	logger   *slog.Logger
}

// NewOPAEvaluator compiles policy (DefaultRegoPolicy when empty) and returns an evaluator.
func NewOPAEvaluator(policy string, logger *slog.Logger) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultRegoPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	compiler, err := ast.CompileModules(map[string]string{"prerequisites.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile prerequisite policy: %w", err)
	}
	return &OPAEvaluator{compiler: compiler, logger: logger}, nil
}

// HealthCheck verifies the compiled policy evaluates against a passing input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	in := domain.PrerequisiteInput{
		AvailableStorageBytes: 1,
		MinStorageBytes:       0,
		RecorderCount:         1,
		RecoveryCompleted:     true,
	}
	if _, err := e.eval(ctx, in); err != nil {
		return fmt.Errorf("eval prerequisite policy: %w", err)
	}
	return nil
}

// EvaluatePrerequisites evaluates the policy. On evaluation failure it logs and applies the built-in rules.
func (e *OPAEvaluator) EvaluatePrerequisites(ctx context.Context, in domain.PrerequisiteInput) (domain.PrerequisiteResult, error) {
	missing, err := e.eval(ctx, in)
	if err != nil {
		e.logger.Warn("policy: evaluation failed, using built-in rules", "error", err)
		return staticResult(in), nil
	}
	return domain.PrerequisiteResult{Missing: missing}, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, in domain.PrerequisiteInput) ([]string, error) {
	q := rego.New(
		rego.Query(missingQuery),
		rego.Compiler(e.compiler),
		rego.Input(buildInput(in)),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy query returned no result")
	}
	values, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("policy result has type %T, want set", rs[0].Expressions[0].Value)
	}
	missing := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("policy result element has type %T, want string", v)
		}
		missing = append(missing, s)
	}
	sort.Strings(missing)
	if len(missing) == 0 {
		return nil, nil
	}
	return missing, nil
}

func buildInput(in domain.PrerequisiteInput) map[string]interface{} {
	perms := make(map[string]interface{}, len(in.Permissions))
	for k, v := range in.Permissions {
		perms[k] = v
	}
	required := make([]interface{}, 0, len(in.RequiredPermissions))
	for _, p := range in.RequiredPermissions {
		required = append(required, p)
	}
	return map[string]interface{}{
		"available_storage_bytes": int64(in.AvailableStorageBytes),
		"min_storage_bytes":       int64(in.MinStorageBytes),
		"recorder_count":          in.RecorderCount,
		"permissions":             perms,
		"required_permissions":    required,
		"recovery_completed":      in.RecoveryCompleted,
	}
}
