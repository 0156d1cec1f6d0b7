package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/smallnest/ragbuild/cache"
	"github.com/smallnest/ragbuild/generate"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/rag"
)

// StepContext is the context a generation step would be given.
type StepContext struct {
	StepID     string
	OutputPath string
	Chunks     []string
	Tokens     int
	// Omitted counts retrieved chunks that did not fit the budget.
	Omitted int
	// Cached is set when the step's content is already cached under its
	// exact key and would not need a generation call.
	Cached bool
}

// Plan is the dry analysis of a build document.
type Plan struct {
	Document string
	Graph    *graph.BuildGraph
	Issues   []graph.ValidationError
	Ingest   *IngestResult
	Steps    []StepContext
	// GenerationCalls estimates the generation requests a build would make:
	// one per generation step without cached content, retries excluded.
	GenerationCalls int
}

// Plan parses and validates the document at path, ingests it and assembles
// the context of every generation step. Nothing is executed; the file
// system and the cache are left untouched.
func (e *Engine) Plan(ctx context.Context, path string) (*Plan, error) {
	doc, g, issues, err := e.load(path)
	if err != nil {
		return nil, err
	}
	ing, err := e.ingest(ctx, doc, false)
	if err != nil {
		return nil, err
	}

	pipeline := e.pipeline(ing.DocumentID, ing.Revision)
	plan := &Plan{
		Document: doc.DisplayName(),
		Graph:    g,
		Issues:   issues,
		Ingest:   ing,
	}
	for _, step := range g.GenerationSteps() {
		payload, err := pipeline.Context(ctx, step.Prompt())
		if err != nil {
			if rag.IsInvalidVector(err) {
				return nil, err
			}
			e.logger.Warn("plan %s: context for %s: %v", plan.Document, step.ID, err)
		}
		sc := StepContext{StepID: step.ID, OutputPath: step.OutputPath()}
		if payload != nil {
			sc.Chunks = payload.ChunkIDs()
			sc.Tokens = payload.Tokens
			sc.Omitted = len(payload.Omitted)
		}
		entry, hit, err := e.cache.Peek(ctx, generate.CacheKey(step.ID, step.Prompt()), "")
		if err != nil {
			e.logger.Warn("plan %s: cache lookup for %s: %v", plan.Document, step.ID, err)
		}
		sc.Cached = hit == cache.HitExact && current(entry, ing)
		if !sc.Cached {
			plan.GenerationCalls++
		}
		plan.Steps = append(plan.Steps, sc)
	}
	return plan, nil
}

// current reports whether a cached entry survives the next Build: entries
// generated from another revision of the document are invalidated by it.
func current(entry *cache.Entry, ing *IngestResult) bool {
	if !slices.Contains(entry.Tags, generate.DocumentTag(ing.DocumentID)) {
		return true
	}
	return slices.Contains(entry.Tags, generate.RevisionTag(ing.DocumentID, ing.Revision))
}

// Text renders the plan for operators.
func (p *Plan) Text() string {
	var sb strings.Builder
	sb.WriteString(graph.NewExporter(p.Graph).DrawPlan())

	for _, issue := range p.Issues {
		fmt.Fprintf(&sb, "%s\n", issue)
	}
	if len(p.Steps) > 0 {
		sb.WriteString("generation\n")
		for _, sc := range p.Steps {
			state := fmt.Sprintf("%d chunks, ~%d tokens", len(sc.Chunks), sc.Tokens)
			if sc.Omitted > 0 {
				state += fmt.Sprintf(", %d omitted", sc.Omitted)
			}
			if sc.Cached {
				state += ", cached"
			}
			fmt.Fprintf(&sb, "└── %s -> %s (%s)\n", sc.StepID, sc.OutputPath, state)
		}
	}
	fmt.Fprintf(&sb, "estimated generation calls: %d\n", p.GenerationCalls)
	return sb.String()
}
