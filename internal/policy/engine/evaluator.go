package engine

import (
	"context"
	"sort"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/policy/domain"
)

// Evaluator decides whether a recording session may start.
type Evaluator interface {
	// EvaluatePrerequisites returns the unmet conditions for in. An error means the
	// policy itself could not be evaluated, not that a prerequisite failed.
	EvaluatePrerequisites(ctx context.Context, in domain.PrerequisiteInput) (domain.PrerequisiteResult, error)
}

// StaticEvaluator applies the built-in prerequisite rules in Go.
type StaticEvaluator struct{}

// EvaluatePrerequisites implements Evaluator.
func (StaticEvaluator) EvaluatePrerequisites(_ context.Context, in domain.PrerequisiteInput) (domain.PrerequisiteResult, error) {
	return staticResult(in), nil
}

func staticResult(in domain.PrerequisiteInput) domain.PrerequisiteResult {
	var missing []string
	if in.AvailableStorageBytes < in.MinStorageBytes {
		missing = append(missing, domain.MissingStorage)
	}
	if in.RecorderCount < 1 {
		missing = append(missing, domain.MissingRecorders)
	}
	for _, p := range in.RequiredPermissions {
		if !in.Permissions[p] {
			missing = append(missing, domain.MissingPermissionPrefix+p)
		}
	}
	if !in.RecoveryCompleted {
		missing = append(missing, domain.MissingRecovery)
	}
	sort.Strings(missing)
	return domain.PrerequisiteResult{Missing: missing}
}
