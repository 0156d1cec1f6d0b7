package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/smallnest/ragbuild/graph"
)

// rollback runs the rollback steps of every succeeded step, one at a time,
// in reverse topological order. Steps that did not succeed contribute no-op
// entries, as do rollback steps whose conditions do not hold and rollback
// steps already run for another step. The first failure stops the unwind.
func (r *run) rollback(ctx context.Context, cause *StepExecutionError) error {
	var candidates []string
	for _, s := range r.g.ForwardSteps() {
		if len(s.Rollback) > 0 {
			candidates = append(candidates, s.ID)
		}
	}

	executed := make(map[string]bool)
	for _, id := range r.g.ReverseTopological(candidates) {
		step, _ := r.g.Step(id)
		status := r.records[id].Status
		for _, target := range step.Rollback {
			action := RollbackAction{StepID: target, For: id, Status: StatusSkipped, NoOp: true}
			rbStep, ok := r.g.Step(target)

			switch {
			case !ok:
				action.Reason = "unknown rollback step"
			case status != StatusSucceeded:
				action.Reason = fmt.Sprintf("%s never succeeded (%s)", id, status)
			case executed[target]:
				action.Reason = "already run"
			default:
				if outcome, why := r.evaluateConditions(ctx, rbStep); outcome != conditionsMet {
					action.Reason = why
					break
				}
				executed[target] = true
				action.NoOp = false
				started := time.Now()
				err := r.runRollbackStep(ctx, rbStep)
				action.Duration = time.Since(started)
				if err != nil {
					action.Status = StatusFailed
					action.Error = err.Error()
					r.addRollback(ctx, action)

					rbErr := &RollbackError{StepID: target, For: id, Err: err}
					if cause != nil {
						rbErr.Cause = cause
					}
					r.e.logger.Error("%v", rbErr)
					return rbErr
				}
				action.Status = StatusSucceeded
			}

			if action.NoOp {
				r.e.logger.Warn("rollback %s for %s is a no-op: %s", target, id, action.Reason)
			} else {
				r.e.logger.Info("rollback %s for %s succeeded", target, id)
			}
			r.addRollback(ctx, action)
		}
	}
	return nil
}

func (r *run) runRollbackStep(ctx context.Context, step *graph.BuildStep) error {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = r.e.defaultTimeout
	}

	var err error
	for attempt := 1; attempt <= step.MaxRetries+1; attempt++ {
		attemptCtx, cancel := context.WithCancel(ctx)
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		_, err = r.e.runner.Run(attemptCtx, step)
		cancel()
		if err == nil {
			return nil
		}
		if !shouldRetry(ctx, err, attempt, step.MaxRetries) {
			return err
		}

		delay := r.e.retry.Delay(attempt)
		r.e.logger.Info("rollback step %s attempt %d failed, retrying in %s: %v", step.ID, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("rollback cancelled during backoff: %w", ctx.Err())
		}
	}
	return err
}

func (r *run) addRollback(ctx context.Context, action RollbackAction) {
	r.mu.Lock()
	r.record.Rollback = append(r.record.Rollback, action)
	r.mu.Unlock()

	msg := fmt.Sprintf("rollback %s for %s: %s", action.StepID, action.For, action.Status)
	if action.NoOp {
		msg = fmt.Sprintf("rollback %s for %s skipped: %s", action.StepID, action.For, action.Reason)
	}
	r.em.emit(ctx, Event{Type: EventProgress, StepID: action.StepID, Status: action.Status, Build: BuildRollingBack, Message: msg})
}
