package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/ragbuild/artifact"
	"github.com/smallnest/ragbuild/executor"
	"github.com/smallnest/ragbuild/generate"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/assembler"
	report "github.com/smallnest/ragbuild/store"
)

// relayBuffer is the size of the internal event buffer between the
// executor and the report store.
const relayBuffer = 256

// BuildResult is the outcome of Build.
type BuildResult struct {
	RunID      string
	Graph      *graph.BuildGraph
	Issues     []graph.ValidationError
	Ingest     *IngestResult
	Record     *executor.Record
	Artifact   *artifact.Artifact
	Report     *artifact.Report
	Generation generate.PipelineStats
}

// pipeline creates a generation pipeline restricted to the chunks of docID
// that tags its cache entries with revision.
func (e *Engine) pipeline(docID, revision string) *generate.Pipeline {
	return generate.NewPipeline(e.retriever, e.client,
		generate.WithCache(e.cache),
		generate.WithRevision(docID, revision),
		generate.WithBudget(assembler.Budget{MaxTokens: e.cfg.Context.BudgetTokens}),
		generate.WithFilter(rag.Filter{DocumentID: docID}),
		generate.WithCacheTTL(e.cfg.Cache.DefaultTTL),
		generate.WithPipelineLogger(e.logger),
	)
}

func (e *Engine) newExecutor(pipeline *generate.Pipeline) *executor.Executor {
	x := e.cfg.Executor
	runner := executor.NewOSRunner(x.WorkDir,
		executor.WithShell(x.Shell),
		executor.WithDryRun(x.DryRun),
		executor.WithGenerator(pipeline),
		executor.WithDefaultManager(x.PackageManager),
		executor.WithRunnerLogger(e.logger),
	)
	return executor.New(runner,
		executor.WithWorkers(x.Workers),
		executor.WithDefaultTimeout(x.DefaultTimeout),
		executor.WithRetryConfig(executor.RetryConfig{
			BaseDelay:     x.BaseBackoff,
			MaxDelay:      x.MaxBackoff,
			BackoffFactor: 2.0,
		}),
		executor.WithTolerateSkipped(x.TolerateSkipped),
		executor.WithRollbackOnCancel(x.RollbackOnCancel),
		executor.WithWorkDir(x.WorkDir),
		executor.WithLogger(e.logger),
		executor.WithRunIDFunc(uuid.NewString),
	)
}

// Build runs the document at path. Every progress event is appended to the
// report store and forwarded to events when it is not nil; events is never
// closed. When out is not empty the build outputs are assembled there.
//
// The error is the executor's build error, joined with an assembly error if
// any. A document that cannot be parsed or validated yields an
// *InvalidDocumentError and no result.
func (e *Engine) Build(ctx context.Context, path, out string, events chan<- executor.Event) (*BuildResult, error) {
	doc, g, issues, err := e.load(path)
	if err != nil {
		return nil, err
	}
	ing, err := e.Ingest(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", doc.DisplayName(), err)
	}

	pipeline := e.pipeline(ing.DocumentID, ing.Revision)
	relay := make(chan executor.Event, relayBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.record(ctx, relay, events)
	}()

	rec, runErr := e.newExecutor(pipeline).Run(ctx, g, relay)
	close(relay)
	wg.Wait()

	res := &BuildResult{
		Graph:      g,
		Issues:     issues,
		Ingest:     ing,
		Record:     rec,
		Generation: pipeline.Stats(),
	}
	if rec == nil {
		return res, runErr
	}
	res.RunID = rec.RunID

	if out != "" {
		asm := artifact.New(e.cfg.Executor.WorkDir, out,
			artifact.WithDryRun(e.cfg.Executor.DryRun),
			artifact.WithLogger(e.logger),
		)
		// a cancelled build still gets its report
		art, rep, err := asm.Assemble(context.WithoutCancel(ctx), rec, g)
		if err != nil {
			return res, errors.Join(runErr, err)
		}
		res.Artifact, res.Report = art, rep
	}
	return res, runErr
}

// record appends every event to the report store and forwards it. Store
// failures are logged; they never fail the build.
func (e *Engine) record(ctx context.Context, in <-chan executor.Event, out chan<- executor.Event) {
	storeCtx := context.WithoutCancel(ctx)
	for ev := range in {
		entry, err := report.EntryFromEvent(ev)
		if err == nil {
			err = e.reports.Append(storeCtx, entry)
		}
		if err != nil {
			e.logger.Warn("report %s: %s event not recorded: %v", ev.RunID, ev.Type, err)
		}
		if out == nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			select {
			case out <- ev:
			default:
			}
		}
	}
}

// Report loads the persisted entries of a run and its final record.
func (e *Engine) Report(ctx context.Context, runID string) ([]report.Entry, *executor.Record, error) {
	entries, err := e.reports.Load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := report.FinalRecord(entries)
	if err != nil {
		return entries, nil, err
	}
	return entries, rec, nil
}
