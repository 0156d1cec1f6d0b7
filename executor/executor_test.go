package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallnest/ragbuild/document"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu       sync.Mutex
	trace    []string
	attempts map[string]int
	fn       func(ctx context.Context, step *graph.BuildStep, attempt int) (Output, error)
}

func newFakeRunner(fn func(ctx context.Context, step *graph.BuildStep, attempt int) (Output, error)) *fakeRunner {
	return &fakeRunner{attempts: make(map[string]int), fn: fn}
}

func (f *fakeRunner) Run(ctx context.Context, step *graph.BuildStep) (Output, error) {
	f.mu.Lock()
	f.attempts[step.ID]++
	n := f.attempts[step.ID]
	f.trace = append(f.trace, "start "+step.ID)
	f.mu.Unlock()

	out, err := Output{Text: "ok " + step.ID}, error(nil)
	if f.fn != nil {
		out, err = f.fn(ctx, step, n)
	}

	f.mu.Lock()
	f.trace = append(f.trace, "end "+step.ID)
	f.mu.Unlock()
	return out, err
}

func (f *fakeRunner) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

func (f *fakeRunner) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.trace)
}

func failing(ids ...string) func(context.Context, *graph.BuildStep, int) (Output, error) {
	return func(_ context.Context, step *graph.BuildStep, _ int) (Output, error) {
		if slices.Contains(ids, step.ID) {
			return Output{}, fmt.Errorf("%s: exit status 1", step.ID)
		}
		return Output{Text: "ok " + step.ID}, nil
	}
}

func buildGraph(t *testing.T, specs ...document.StepSpec) *graph.BuildGraph {
	t.Helper()
	g, _, err := graph.NewBuilder(graph.WithBuilderLogger(&log.NoOpLogger{})).
		Build(&document.Document{Name: t.Name(), Steps: specs})
	require.NoError(t, err)
	return g
}

func cmd(id string, deps ...string) document.StepSpec {
	return document.StepSpec{ID: id, Kind: "run-command", Command: "echo " + id, DependsOn: deps, Root: true}
}

func newTestExecutor(r Runner, opts ...Option) *Executor {
	base := []Option{
		WithLogger(&log.NoOpLogger{}),
		WithRetryConfig(RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, BackoffFactor: 2}),
	}
	return New(r, append(base, opts...)...)
}

func statuses(rec *Record) map[string]StepStatus {
	out := make(map[string]StepStatus, len(rec.Steps))
	for _, s := range rec.Steps {
		out[s.ID] = s.Status
	}
	return out
}

func TestRunScenarioRollsBack(t *testing.T) {
	initStep := cmd("init")
	initStep.Rollback = []string{"init-rollback"}
	install := cmd("install", "init")
	install.Rollback = []string{"install-rollback"}
	build := cmd("build", "install")
	build.Critical, build.MaxRetries = true, 2

	g := buildGraph(t, initStep, install, build, cmd("init-rollback"), cmd("install-rollback"))
	runner := newFakeRunner(failing("build"))

	rec, err := newTestExecutor(runner).Run(context.Background(), g, nil)
	require.Error(t, err)

	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "build", se.StepID)
	assert.True(t, se.Terminal)
	assert.Equal(t, 3, se.Attempt)

	assert.Equal(t, map[string]StepStatus{
		"init":    StatusSucceeded,
		"install": StatusSucceeded,
		"build":   StatusFailed,
	}, statuses(rec))
	assert.Equal(t, 3, runner.count("build"))
	assert.Equal(t, []string{"install-rollback", "init-rollback"}, rec.RollbackOrder())
	assert.Equal(t, BuildRolledBack, rec.Status)
	assert.Equal(t, "build", rec.FailedStep)

	sum := rec.Summarize()
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.RolledBack)
}

func TestRollbackRunsInReverseDependencyOrder(t *testing.T) {
	a := cmd("A")
	a.Rollback = []string{"undo-A"}
	b := cmd("B", "A")
	b.Rollback = []string{"undo-B"}
	c := cmd("C", "B")
	c.Critical = true

	g := buildGraph(t, a, b, c, cmd("undo-A"), cmd("undo-B"))
	runner := newFakeRunner(failing("C"))

	rec, err := newTestExecutor(runner).Run(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"undo-B", "undo-A"}, rec.RollbackOrder())

	trace := runner.events()
	assert.Less(t, slices.Index(trace, "end undo-B"), slices.Index(trace, "start undo-A"), "rollback is serial")
}

func TestAttemptsAreBoundedByMaxRetries(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("maxRetries=%d", n), func(t *testing.T) {
			step := cmd("flaky")
			step.MaxRetries = n
			runner := newFakeRunner(failing("flaky"))

			rec, err := newTestExecutor(runner).Run(context.Background(), buildGraph(t, step), nil)
			require.NoError(t, err)
			assert.Equal(t, n+1, runner.count("flaky"))

			s, _ := rec.Step("flaky")
			assert.Equal(t, StatusFailed, s.Status)
			assert.Equal(t, n+1, s.Attempts)
			assert.Equal(t, BuildSucceededWithWarnings, rec.Status)
			require.Len(t, rec.Warnings, 1)
		})
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	step := cmd("bad")
	step.MaxRetries = 5
	runner := newFakeRunner(func(context.Context, *graph.BuildStep, int) (Output, error) {
		return Output{}, Permanent(errors.New("invalid input"))
	})

	rec, err := newTestExecutor(runner).Run(context.Background(), buildGraph(t, step), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.count("bad"))
	s, _ := rec.Step("bad")
	assert.Equal(t, StatusFailed, s.Status)
}

func TestRetryThenSucceed(t *testing.T) {
	step := cmd("eventually")
	step.MaxRetries = 3
	runner := newFakeRunner(func(_ context.Context, _ *graph.BuildStep, attempt int) (Output, error) {
		if attempt < 3 {
			return Output{}, Transient(errors.New("connection reset"))
		}
		return Output{Text: "done"}, nil
	})

	rec, err := newTestExecutor(runner).Run(context.Background(), buildGraph(t, step), nil)
	require.NoError(t, err)
	s, _ := rec.Step("eventually")
	assert.Equal(t, StatusSucceeded, s.Status)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, "done", s.Output)
	assert.Equal(t, BuildSucceeded, rec.Status)
}

func TestAttemptTimeout(t *testing.T) {
	step := cmd("hang")
	step.TimeoutMs, step.MaxRetries = 20, 1
	runner := newFakeRunner(func(ctx context.Context, _ *graph.BuildStep, _ int) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	})

	rec, err := newTestExecutor(runner).Run(context.Background(), buildGraph(t, step), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.count("hang"))
	s, _ := rec.Step("hang")
	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.Error, "timed out after 20ms")
}

func TestStepsStartAfterDependenciesFinish(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		n := 3 + r.Intn(8)
		specs := make([]document.StepSpec, n)
		for i := range specs {
			var deps []string
			for j := 0; j < i; j++ {
				if r.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			specs[i] = cmd(fmt.Sprintf("s%d", i), deps...)
		}
		g := buildGraph(t, specs...)
		runner := newFakeRunner(func(context.Context, *graph.BuildStep, int) (Output, error) {
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			return Output{}, nil
		})

		rec, err := newTestExecutor(runner, WithWorkers(3)).Run(context.Background(), g, nil)
		require.NoError(t, err)
		assert.Equal(t, BuildSucceeded, rec.Status)

		trace := runner.events()
		for _, s := range specs {
			for _, dep := range s.DependsOn {
				assert.Less(t, slices.Index(trace, "end "+dep), slices.Index(trace, "start "+s.ID),
					"trial %d: %s started before %s finished", trial, s.ID, dep)
			}
		}
	}
}

func TestDispatchOrderIsStable(t *testing.T) {
	g := buildGraph(t, cmd("c"), cmd("a"), cmd("b", "c"), cmd("d"))
	runner := newFakeRunner(nil)

	_, err := newTestExecutor(runner, WithWorkers(1)).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"start c", "end c", "start a", "end a", "start d", "end d", "start b", "end b",
	}, runner.events())
}

func TestWorkerPoolBound(t *testing.T) {
	var specs []document.StepSpec
	for i := 0; i < 6; i++ {
		specs = append(specs, cmd(fmt.Sprintf("p%d", i)))
	}
	var inFlight, peak atomic.Int32
	runner := newFakeRunner(func(context.Context, *graph.BuildStep, int) (Output, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return Output{}, nil
	})

	rec, err := newTestExecutor(runner, WithWorkers(2)).Run(context.Background(), buildGraph(t, specs...), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Summarize().Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	g := buildGraph(t, cmd("lint"), cmd("report", "lint"), cmd("compile"))
	rec, err := newTestExecutor(newFakeRunner(failing("lint"))).Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]StepStatus{
		"lint":    StatusFailed,
		"report":  StatusSkipped,
		"compile": StatusSucceeded,
	}, statuses(rec))
	s, _ := rec.Step("report")
	assert.Equal(t, "dependency lint failed", s.SkipReason)
	assert.Equal(t, BuildSucceededWithWarnings, rec.Status)
}

func TestTolerateSkippedDependencies(t *testing.T) {
	optional := cmd("optional")
	optional.Conditions = []document.ConditionSpec{{Type: "env-var-set", Target: "RAGBUILD_TEST_UNSET_VARIABLE"}}

	t.Run("off by default", func(t *testing.T) {
		g := buildGraph(t, optional, cmd("next", "optional"))
		rec, err := newTestExecutor(newFakeRunner(nil)).Run(context.Background(), g, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, statuses(rec)["next"])
	})

	t.Run("per step", func(t *testing.T) {
		next := cmd("next", "optional")
		next.TolerateSkipped = true
		rec, err := newTestExecutor(newFakeRunner(nil)).Run(context.Background(), buildGraph(t, optional, next), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, statuses(rec)["next"])
	})

	t.Run("globally", func(t *testing.T) {
		g := buildGraph(t, optional, cmd("next", "optional"))
		rec, err := newTestExecutor(newFakeRunner(nil), WithTolerateSkipped(true)).Run(context.Background(), g, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, statuses(rec)["next"])
	})
}

func TestConditions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))
	t.Setenv("RAGBUILD_TEST_MODE", "ci")

	withCond := func(id string, cond document.ConditionSpec) document.StepSpec {
		s := cmd(id)
		s.Conditions = []document.ConditionSpec{cond}
		return s
	}
	g := buildGraph(t,
		withCond("has-mod", document.ConditionSpec{Type: "file-exists", Target: "go.mod"}),
		withCond("no-pkg", document.ConditionSpec{Type: "file-exists", Target: "package.json"}),
		withCond("no-pkg-expected", document.ConditionSpec{Type: "file-exists", Target: "package.json", Expected: "false"}),
		withCond("env-match", document.ConditionSpec{Type: "env-var-set", Target: "RAGBUILD_TEST_MODE", Expected: "ci"}),
		withCond("env-mismatch", document.ConditionSpec{Type: "env-var-set", Target: "RAGBUILD_TEST_MODE", Expected: "prod"}),
		withCond("custom-yes", document.ConditionSpec{Type: "custom", Target: "always"}),
		withCond("custom-missing", document.ConditionSpec{Type: "custom", Target: "nobody"}),
		withCond("required", document.ConditionSpec{Type: "file-exists", Target: "Makefile", Required: true}),
		cmd("broken"),
		withCond("after-broken", document.ConditionSpec{Type: "prior-command-succeeded", Target: "broken"}),
	)

	runner := newFakeRunner(failing("broken"))
	exec := newTestExecutor(runner,
		WithWorkDir(dir),
		WithCondition("always", func(context.Context, graph.StepCondition) (bool, error) { return true, nil }),
	)
	rec, err := exec.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]StepStatus{
		"has-mod":         StatusSucceeded,
		"no-pkg":          StatusSkipped,
		"no-pkg-expected": StatusSucceeded,
		"env-match":       StatusSucceeded,
		"env-mismatch":    StatusSkipped,
		"custom-yes":      StatusSucceeded,
		"custom-missing":  StatusSkipped,
		"required":        StatusFailed,
		"broken":          StatusFailed,
		"after-broken":    StatusSkipped,
	}, statuses(rec))

	// skipped and condition-failed steps never reach the runner
	for _, id := range []string{"no-pkg", "env-mismatch", "required", "after-broken"} {
		assert.Zero(t, runner.count(id), id)
	}
	s, _ := rec.Step("required")
	assert.Zero(t, s.Attempts)
}

func TestCancellation(t *testing.T) {
	setup := func() (*graph.BuildGraph, *fakeRunner, context.Context) {
		fast := cmd("fast")
		fast.Rollback = []string{"fast-undo"}
		g := buildGraph(t, fast, cmd("slow", "fast"), cmd("after", "slow"), cmd("fast-undo"))

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		runner := newFakeRunner(func(ctx context.Context, step *graph.BuildStep, _ int) (Output, error) {
			if step.ID == "slow" {
				cancel()
				<-ctx.Done()
				return Output{}, ctx.Err()
			}
			return Output{}, nil
		})
		return g, runner, ctx
	}

	t.Run("leaves succeeded steps", func(t *testing.T) {
		g, runner, ctx := setup()
		rec, err := newTestExecutor(runner).Run(ctx, g, nil)
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, BuildCancelled, rec.Status)
		assert.Equal(t, map[string]StepStatus{
			"fast":  StatusSucceeded,
			"slow":  StatusFailed,
			"after": StatusSkipped,
		}, statuses(rec))
		assert.Empty(t, rec.Rollback)
		assert.Zero(t, runner.count("after"))
	})

	t.Run("rolls back when asked", func(t *testing.T) {
		g, runner, ctx := setup()
		rec, err := newTestExecutor(runner, WithRollbackOnCancel(true)).Run(ctx, g, nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, BuildRolledBack, rec.Status)
		assert.Equal(t, []string{"fast-undo"}, rec.RollbackOrder())
	})
}

func TestCriticalFailureSkipsPendingWork(t *testing.T) {
	gate := cmd("gate")
	gate.Critical = true
	g := buildGraph(t, gate, cmd("later", "gate"))

	rec, err := newTestExecutor(newFakeRunner(failing("gate"))).Run(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, StatusSkipped, statuses(rec)["later"])
	assert.Equal(t, BuildRolledBack, rec.Status)
	assert.Empty(t, rec.RollbackOrder())
}

func TestRollbackFailureAborts(t *testing.T) {
	setup := cmd("setup")
	setup.Rollback = []string{"teardown"}
	deploy := cmd("deploy", "setup")
	deploy.Critical = true

	g := buildGraph(t, setup, deploy, cmd("teardown"))
	rec, err := newTestExecutor(newFakeRunner(failing("deploy", "teardown"))).Run(context.Background(), g, nil)

	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "teardown", rbErr.StepID)
	assert.Equal(t, "setup", rbErr.For)
	assert.Contains(t, err.Error(), "manual intervention")

	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "deploy", se.StepID)

	assert.Equal(t, BuildAborted, rec.Status)
	require.Len(t, rec.Rollback, 1)
	assert.Equal(t, StatusFailed, rec.Rollback[0].Status)
}

func TestRollbackOfStepsThatNeverRanIsNoOp(t *testing.T) {
	optional := cmd("optional")
	optional.Conditions = []document.ConditionSpec{{Type: "env-var-set", Target: "RAGBUILD_TEST_UNSET_VARIABLE"}}
	optional.Rollback = []string{"optional-undo"}

	base := cmd("base")
	base.Rollback = []string{"base-undo", "cleanup"}
	final := cmd("final", "base")
	final.Critical = true

	// cleanup only makes sense if optional ran
	cleanup := cmd("cleanup")
	cleanup.Conditions = []document.ConditionSpec{{Type: "prior-command-succeeded", Target: "optional"}}

	g := buildGraph(t, optional, base, final, cmd("optional-undo"), cmd("base-undo"), cleanup)
	runner := newFakeRunner(failing("final"))
	rec, err := newTestExecutor(runner).Run(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, BuildRolledBack, rec.Status)

	assert.Equal(t, []string{"base-undo"}, rec.RollbackOrder())
	assert.Zero(t, runner.count("optional-undo"))
	assert.Zero(t, runner.count("cleanup"))

	noops := map[string]bool{}
	for _, rb := range rec.Rollback {
		if rb.NoOp {
			noops[rb.StepID] = true
			assert.NotEmpty(t, rb.Reason)
		}
	}
	assert.Equal(t, map[string]bool{"optional-undo": true, "cleanup": true}, noops)
}

func TestEventsAndStream(t *testing.T) {
	step := cmd("hello")
	g := buildGraph(t, step, cmd("world", "hello"))

	res := newTestExecutor(newFakeRunner(nil)).Stream(context.Background(), g)
	var got []Event
	for ev := range res.Events {
		got = append(got, ev)
	}
	rec := <-res.Result
	<-res.Done

	require.NotNil(t, rec)
	assert.Equal(t, BuildSucceeded, rec.Status)
	_, hasErr := <-res.Errors
	assert.False(t, hasErr)

	require.NotEmpty(t, got)
	assert.Equal(t, EventProgress, got[0].Type)
	last := got[len(got)-1]
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, rec.RunID, last.RunID)
	assert.Same(t, rec, last.Record)

	var content []string
	for _, ev := range got {
		if ev.Type == EventContent {
			content = append(content, ev.Content)
		}
	}
	assert.Equal(t, []string{"ok hello", "ok world"}, content)
}

func TestRetryConfigDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Delay(4))
	assert.Equal(t, time.Second, cfg.Delay(5))
	assert.Equal(t, time.Second, cfg.Delay(40))
}
