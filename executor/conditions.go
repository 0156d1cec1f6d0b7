package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/smallnest/ragbuild/graph"
)

// ConditionFunc evaluates a custom condition registered with WithCondition.
type ConditionFunc func(ctx context.Context, cond graph.StepCondition) (bool, error)

// conditionOutcome is the result of evaluating all conditions of a step.
type conditionOutcome int

const (
	conditionsMet conditionOutcome = iota
	conditionSkip
	conditionFail
)

// evaluateConditions checks every condition of step. A failing required
// condition fails the step; any other failing condition skips it. The
// returned string explains the first failing condition.
func (r *run) evaluateConditions(ctx context.Context, step *graph.BuildStep) (conditionOutcome, string) {
	outcome := conditionsMet
	var reason string
	for _, cond := range step.Conditions {
		ok, err := r.evaluate(ctx, cond)
		if ok {
			continue
		}
		why := fmt.Sprintf("condition %s not met", cond)
		if err != nil {
			why = fmt.Sprintf("condition %s: %v", cond, err)
		}
		if cond.Required {
			return conditionFail, why
		}
		if outcome == conditionsMet {
			outcome, reason = conditionSkip, why
		}
	}
	return outcome, reason
}

func (r *run) evaluate(ctx context.Context, cond graph.StepCondition) (bool, error) {
	want := true
	if cond.Expected != "" && cond.Type != graph.ConditionEnvVarSet && cond.Type != graph.ConditionCustom {
		b, err := strconv.ParseBool(cond.Expected)
		if err != nil {
			return false, fmt.Errorf("expected value %q is not a boolean", cond.Expected)
		}
		want = b
	}

	switch cond.Type {
	case graph.ConditionFileExists:
		path := cond.Target
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.e.workDir, path)
		}
		_, err := os.Stat(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		return (err == nil) == want, nil

	case graph.ConditionPriorCommandSucceeded:
		rec, ok := r.records[cond.Target]
		if !ok {
			return false, fmt.Errorf("unknown step %q", cond.Target)
		}
		return (rec.Status == StatusSucceeded) == want, nil

	case graph.ConditionEnvVarSet:
		v, ok := os.LookupEnv(cond.Target)
		if cond.Expected != "" {
			return ok && v == cond.Expected, nil
		}
		return ok && v != "", nil

	case graph.ConditionCustom:
		fn, ok := r.e.conditions[cond.Target]
		if !ok {
			return false, fmt.Errorf("no custom condition registered as %q", cond.Target)
		}
		return fn(ctx, cond)

	default:
		return false, fmt.Errorf("unsupported condition type %q", cond.Type)
	}
}
