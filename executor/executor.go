package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
)

// Executor runs build graphs. An Executor holds no per-build state and may
// run several graphs concurrently.
type Executor struct {
	runner           Runner
	workers          int
	defaultTimeout   time.Duration
	retry            RetryConfig
	tolerateSkipped  bool
	rollbackOnCancel bool
	workDir          string
	conditions       map[string]ConditionFunc
	logger           log.Logger
	newRunID         func() string
}

// Option configures an Executor
type Option func(*Executor)

// WithWorkers bounds how many steps run at the same time
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithDefaultTimeout sets the per-attempt timeout for steps that declare none
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.defaultTimeout = d
	}
}

// WithRetryConfig sets the backoff between attempts
func WithRetryConfig(cfg RetryConfig) Option {
	return func(e *Executor) {
		e.retry = cfg
	}
}

// WithTolerateSkipped lets every step run when a dependency was skipped
func WithTolerateSkipped(tolerate bool) Option {
	return func(e *Executor) {
		e.tolerateSkipped = tolerate
	}
}

// WithRollbackOnCancel rolls back succeeded steps when the build is cancelled
func WithRollbackOnCancel(rollback bool) Option {
	return func(e *Executor) {
		e.rollbackOnCancel = rollback
	}
}

// WithWorkDir sets the directory file-exists conditions are resolved against
func WithWorkDir(dir string) Option {
	return func(e *Executor) {
		e.workDir = dir
	}
}

// WithCondition registers a custom condition under name
func WithCondition(name string, fn ConditionFunc) Option {
	return func(e *Executor) {
		e.conditions[name] = fn
	}
}

// WithLogger sets the logger
func WithLogger(l log.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithRunIDFunc overrides how run IDs are generated
func WithRunIDFunc(fn func() string) Option {
	return func(e *Executor) {
		e.newRunID = fn
	}
}

// New creates an Executor that performs step actions with runner.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:     runner,
		workers:    4,
		retry:      DefaultRetryConfig(),
		conditions: make(map[string]ConditionFunc),
		newRunID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.OrDefault(e.logger)
	return e
}

type attemptResult struct {
	id      string
	attempt int
	out     Output
	err     error
	elapsed time.Duration
}

// run is the state of one build. Only the goroutine executing the build
// mutates it; mu guards the records against concurrent snapshots.
type run struct {
	e  *Executor
	g  *graph.BuildGraph
	em *emitter

	mu      sync.Mutex
	record  Record
	records map[string]*StepRecord

	ready       []string
	waiting     map[string]*time.Timer
	running     map[string]context.CancelFunc
	results     chan attemptResult
	retries     chan string
	stop        chan struct{}
	cancelBuild context.CancelFunc
	failure     *StepExecutionError
}

// Run executes g and returns its record. events, if not nil, receives
// progress events and is never closed by Run.
//
// The returned error is nil when the build succeeded, possibly with
// warnings from non-critical steps. A critical failure that was rolled back
// returns its *StepExecutionError, a failed rollback returns a
// *RollbackError and a cancelled build returns the context error.
func (e *Executor) Run(ctx context.Context, g *graph.BuildGraph, events chan<- Event) (*Record, error) {
	if g == nil {
		return nil, errors.New("executor: nil graph")
	}
	r := &run{
		e:       e,
		g:       g,
		records: make(map[string]*StepRecord, g.Len()),
		waiting: make(map[string]*time.Timer),
		running: make(map[string]context.CancelFunc),
		results: make(chan attemptResult, e.workers),
		retries: make(chan string, g.Len()),
		stop:    make(chan struct{}),
	}
	r.record = Record{
		RunID:     e.newRunID(),
		Graph:     g.Name(),
		Status:    BuildRunning,
		StartedAt: time.Now(),
	}
	r.em = &emitter{ch: events, runID: r.record.RunID}
	for _, s := range g.ForwardSteps() {
		r.records[s.ID] = &StepRecord{
			ID:         s.ID,
			Kind:       s.Kind,
			Level:      s.Level,
			Critical:   s.Critical,
			Status:     StatusPending,
			OutputPath: s.OutputPath(),
			Generated:  s.IsGeneration(),
		}
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) (*Record, error) {
	buildCtx, cancelBuild := context.WithCancel(ctx)
	defer cancelBuild()
	defer close(r.stop)
	r.cancelBuild = cancelBuild

	r.e.logger.Info("build %s (%s): %d steps, %d workers", r.record.Graph, r.record.RunID, len(r.records), r.e.workers)
	r.em.emit(ctx, Event{Type: EventProgress, Build: BuildRunning, Message: "build started"})

	done := buildCtx.Done()
	r.promote(ctx)
	for {
		if !r.halted(buildCtx) {
			r.dispatch(ctx, buildCtx)
		}
		if len(r.running) == 0 && (r.halted(buildCtx) || len(r.ready) == 0 && len(r.waiting) == 0) {
			break
		}

		select {
		case res := <-r.results:
			r.complete(ctx, buildCtx, res)
		case id := <-r.retries:
			if _, ok := r.waiting[id]; !ok {
				continue
			}
			delete(r.waiting, id)
			r.ready = append(r.ready, id)
			r.sortReady()
		case <-done:
			// in-flight attempts observe the cancellation and report back
			done = nil
			r.stopTimers()
		}
	}
	r.stopTimers()

	var err error
	cancelled := r.failure == nil && ctx.Err() != nil
	switch {
	case r.failure != nil:
		r.skipRemaining(ctx, fmt.Sprintf("build stopped after critical step %s failed", r.failure.StepID))
		err = r.unwind(ctx, r.failure)
		if err == nil {
			err = r.failure
		}
	case cancelled:
		r.skipRemaining(ctx, "build cancelled")
		r.setBuild(BuildCancelled)
		if r.e.rollbackOnCancel {
			if rbErr := r.unwind(context.WithoutCancel(ctx), nil); rbErr != nil {
				err = rbErr
				break
			}
		}
		err = fmt.Errorf("build cancelled: %w", ctx.Err())
	default:
		r.skipRemaining(ctx, "never became ready")
		if len(r.record.Warnings) > 0 {
			r.setBuild(BuildSucceededWithWarnings)
		} else {
			r.setBuild(BuildSucceeded)
		}
	}

	r.mu.Lock()
	r.record.FinishedAt = time.Now()
	r.mu.Unlock()
	record := r.snapshot()

	switch {
	case record.Status.OK():
		r.e.logger.Info("build %s finished: %s in %s", record.Graph, record.Status, record.FinishedAt.Sub(record.StartedAt).Round(time.Millisecond))
	default:
		r.e.logger.Error("build %s finished: %s: %v", record.Graph, record.Status, err)
	}
	r.em.emit(ctx, Event{Type: EventComplete, Build: record.Status, Err: err, Record: record, Message: "build " + string(record.Status)})
	if n := r.em.dropped.Load(); n > 0 {
		r.e.logger.Warn("build %s: %d progress events dropped after cancellation", record.Graph, n)
	}
	return record, err
}

// unwind rolls back after a critical failure (cause) or a cancellation
// (cause nil) and sets the final build status.
func (r *run) unwind(ctx context.Context, cause *StepExecutionError) error {
	r.setBuild(BuildRollingBack)
	r.em.emit(ctx, Event{Type: EventProgress, Build: BuildRollingBack, Message: "rolling back"})
	if err := r.rollback(ctx, cause); err != nil {
		r.setBuild(BuildAborted)
		r.em.emit(ctx, Event{Type: EventError, Build: BuildAborted, Err: err, Message: err.Error()})
		return err
	}
	r.setBuild(BuildRolledBack)
	return nil
}

func (r *run) halted(buildCtx context.Context) bool {
	return r.failure != nil || buildCtx.Err() != nil
}

// promote moves Pending steps whose prerequisites are all terminal to Ready,
// or to Skipped when a dependency did not succeed.
func (r *run) promote(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for _, id := range r.g.Order() {
			if r.records[id].Status != StatusPending {
				continue
			}
			step, _ := r.g.Step(id)
			ready, reason := r.gate(step)
			switch {
			case !ready:
			case reason != "":
				r.skip(ctx, id, reason)
				changed = true
			default:
				r.setStatus(id, StatusReady)
				r.ready = append(r.ready, id)
			}
		}
	}
	r.sortReady()
}

// gate reports whether every prerequisite of step is terminal and, if the
// step cannot run because of them, why.
func (r *run) gate(step *graph.BuildStep) (bool, string) {
	tolerate := step.TolerateSkipped || r.e.tolerateSkipped
	var reason string
	for _, dep := range step.DependsOn {
		switch status := r.records[dep].Status; {
		case !status.Terminal():
			return false, ""
		case status == StatusFailed && reason == "":
			reason = fmt.Sprintf("dependency %s failed", dep)
		case status == StatusSkipped && !tolerate && reason == "":
			reason = fmt.Sprintf("dependency %s was skipped", dep)
		}
	}
	for _, dep := range step.After {
		if !r.records[dep].Status.Terminal() {
			return false, ""
		}
	}
	return true, reason
}

func (r *run) sortReady() {
	slices.SortStableFunc(r.ready, func(a, b string) int {
		sa, _ := r.g.Step(a)
		sb, _ := r.g.Step(b)
		if sa.Level != sb.Level {
			return sa.Level - sb.Level
		}
		return sa.Index - sb.Index
	})
}

func (r *run) dispatch(ctx, buildCtx context.Context) {
	for len(r.ready) > 0 && len(r.running) < r.e.workers && !r.halted(buildCtx) {
		id := r.ready[0]
		r.ready = r.ready[1:]
		step, _ := r.g.Step(id)

		switch outcome, why := r.evaluateConditions(buildCtx, step); outcome {
		case conditionSkip:
			r.skip(ctx, id, why)
			r.promote(ctx)
			continue
		case conditionFail:
			r.fail(ctx, step, r.records[id].Attempts, Permanent(errors.New(why)))
			continue
		}
		r.start(ctx, buildCtx, step)
	}
}

func (r *run) start(ctx, buildCtx context.Context, step *graph.BuildStep) {
	attempt := r.records[step.ID].Attempts + 1
	r.update(step.ID, func(rec *StepRecord) {
		rec.Status = StatusRunning
		rec.Attempts = attempt
		if rec.StartedAt.IsZero() {
			rec.StartedAt = time.Now()
		}
	})

	timeout := step.Timeout
	if timeout == 0 {
		timeout = r.e.defaultTimeout
	}
	attemptCtx, cancel := context.WithCancel(buildCtx)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(buildCtx, timeout)
	}
	r.running[step.ID] = cancel

	r.e.logger.Debug("step %s: attempt %d/%d", step.ID, attempt, step.MaxRetries+1)
	r.em.emit(ctx, Event{Type: EventProgress, StepID: step.ID, Status: StatusRunning, Attempt: attempt,
		Message: fmt.Sprintf("%s started (attempt %d)", step.ID, attempt)})

	go func() {
		defer cancel()
		started := time.Now()
		out, err := r.e.runner.Run(attemptCtx, step)
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && buildCtx.Err() == nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				err = errors.Join(context.DeadlineExceeded, err)
			}
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		r.results <- attemptResult{id: step.ID, attempt: attempt, out: out, err: err, elapsed: time.Since(started)}
	}()
}

func (r *run) complete(ctx, buildCtx context.Context, res attemptResult) {
	if cancel, ok := r.running[res.id]; ok {
		cancel()
		delete(r.running, res.id)
	}
	step, _ := r.g.Step(res.id)

	if res.err == nil {
		r.update(res.id, func(rec *StepRecord) {
			rec.Status = StatusSucceeded
			rec.FinishedAt = time.Now()
			rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
			rec.Output = res.out.Text
			rec.Error = ""
			if res.out.Path != "" {
				rec.OutputPath = res.out.Path
			}
			if gen := res.out.Generation; gen != nil {
				rec.CacheHit = gen.CacheHit
				rec.ContextChunks = slices.Clone(gen.ContextChunks)
				rec.Warnings = append(rec.Warnings, gen.Warnings...)
			}
		})
		if res.out.Text != "" {
			r.em.emit(ctx, Event{Type: EventContent, StepID: res.id, Status: StatusSucceeded, Attempt: res.attempt, Content: res.out.Text})
		}
		r.e.logger.Info("step %s succeeded in %s", res.id, res.elapsed.Round(time.Millisecond))
		r.em.emit(ctx, Event{Type: EventProgress, StepID: res.id, Status: StatusSucceeded, Attempt: res.attempt,
			Message: fmt.Sprintf("%s succeeded", res.id)})
		r.promote(ctx)
		return
	}

	if r.halted(buildCtx) {
		// interrupted by cancellation or by a critical failure elsewhere
		r.update(res.id, func(rec *StepRecord) {
			rec.Status = StatusFailed
			rec.FinishedAt = time.Now()
			rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
			rec.Error = fmt.Sprintf("interrupted: %v", res.err)
		})
		r.em.emit(ctx, Event{Type: EventError, StepID: res.id, Status: StatusFailed, Attempt: res.attempt, Err: res.err,
			Message: fmt.Sprintf("%s interrupted", res.id)})
		return
	}

	if shouldRetry(buildCtx, res.err, res.attempt, step.MaxRetries) {
		delay := r.e.retry.Delay(res.attempt)
		r.e.logger.Info("step %s attempt %d/%d failed, retrying in %s: %v", res.id, res.attempt, step.MaxRetries+1, delay, res.err)
		r.update(res.id, func(rec *StepRecord) {
			rec.Status = StatusReady
			rec.Error = res.err.Error()
		})
		r.em.emit(ctx, Event{Type: EventError, StepID: res.id, Status: StatusReady, Attempt: res.attempt, Err: res.err,
			Message: fmt.Sprintf("%s attempt %d failed, retrying in %s", res.id, res.attempt, delay)})

		id := res.id
		r.waiting[id] = time.AfterFunc(delay, func() {
			select {
			case r.retries <- id:
			case <-r.stop:
			}
		})
		return
	}

	r.fail(ctx, step, res.attempt, res.err)
}

// fail marks step terminally Failed. A critical failure halts the build.
func (r *run) fail(ctx context.Context, step *graph.BuildStep, attempt int, err error) {
	se := &StepExecutionError{StepID: step.ID, Attempt: attempt, Retryable: IsRetryable(err), Terminal: true, Err: err}
	r.update(step.ID, func(rec *StepRecord) {
		rec.Status = StatusFailed
		rec.FinishedAt = time.Now()
		if !rec.StartedAt.IsZero() {
			rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
		}
		rec.Error = err.Error()
	})
	r.em.emit(ctx, Event{Type: EventError, StepID: step.ID, Status: StatusFailed, Attempt: attempt, Err: se, Message: se.Error()})

	if step.Critical {
		r.e.logger.Error("critical step %s failed after %d attempt(s): %v", step.ID, attempt, err)
		r.failure = se
		r.mu.Lock()
		r.record.FailedStep = step.ID
		r.mu.Unlock()
		r.cancelBuild()
		return
	}

	warning := fmt.Sprintf("non-critical step %s failed: %v", step.ID, err)
	r.e.logger.Warn("%s", warning)
	r.mu.Lock()
	r.record.Warnings = append(r.record.Warnings, warning)
	r.mu.Unlock()
	r.promote(ctx)
}

func (r *run) skip(ctx context.Context, id, reason string) {
	r.update(id, func(rec *StepRecord) {
		rec.Status = StatusSkipped
		rec.SkipReason = reason
		rec.FinishedAt = time.Now()
	})
	r.e.logger.Info("step %s skipped: %s", id, reason)
	r.em.emit(ctx, Event{Type: EventProgress, StepID: id, Status: StatusSkipped, Message: fmt.Sprintf("%s skipped: %s", id, reason)})
}

func (r *run) skipRemaining(ctx context.Context, reason string) {
	r.ready = nil
	for _, id := range r.g.Order() {
		if s := r.records[id].Status; s == StatusPending || s == StatusReady {
			r.skip(ctx, id, reason)
		}
	}
}

func (r *run) stopTimers() {
	for id, t := range r.waiting {
		t.Stop()
		delete(r.waiting, id)
	}
}

func (r *run) setStatus(id string, status StepStatus) {
	r.update(id, func(rec *StepRecord) { rec.Status = status })
}

func (r *run) update(id string, fn func(*StepRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.records[id])
}

func (r *run) setBuild(status BuildStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Status = status
}

func (r *run) snapshot() *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record
	rec.Steps = make([]StepRecord, 0, len(r.records))
	for _, id := range r.g.Order() {
		s := *r.records[id]
		s.Warnings = slices.Clone(s.Warnings)
		s.ContextChunks = slices.Clone(s.ContextChunks)
		rec.Steps = append(rec.Steps, s)
	}
	rec.Rollback = slices.Clone(r.record.Rollback)
	rec.Warnings = slices.Clone(r.record.Warnings)
	return &rec
}
