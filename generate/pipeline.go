package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smallnest/ragbuild/cache"
	"github.com/smallnest/ragbuild/executor"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/assembler"
	"github.com/smallnest/ragbuild/rag/retriever"
)

// Retriever finds context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retriever.Options) ([]rag.RetrievalResult, error)
}

// PipelineStats counts pipeline activity.
type PipelineStats struct {
	Requests     int64 `json:"requests"`
	ExactHits    int64 `json:"exact_hits"`
	SemanticHits int64 `json:"semantic_hits"`
	Misses       int64 `json:"misses"`
	Failures     int64 `json:"failures"`
}

// Pipeline produces content for generation steps: cache read-through,
// retrieval, context assembly, generation and cache write-through.
type Pipeline struct {
	retriever Retriever
	client    *Client
	cache     *cache.Cache
	budget    assembler.Budget
	filter    rag.Filter
	cacheTTL  time.Duration
	docID     string
	revision  string
	logger    log.Logger

	requests     atomic.Int64
	exactHits    atomic.Int64
	semanticHits atomic.Int64
	misses       atomic.Int64
	failures     atomic.Int64
}

var _ executor.ContentGenerator = (*Pipeline)(nil)

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithCache enables caching of generated content
func WithCache(c *cache.Cache) PipelineOption {
	return func(p *Pipeline) {
		p.cache = c
	}
}

// WithBudget bounds the context handed to the generator
func WithBudget(b assembler.Budget) PipelineOption {
	return func(p *Pipeline) {
		p.budget = b
	}
}

// WithFilter restricts retrieval, typically to the document being built
func WithFilter(f rag.Filter) PipelineOption {
	return func(p *Pipeline) {
		p.filter = f
	}
}

// WithCacheTTL sets the TTL of cached content
func WithCacheTTL(ttl time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.cacheTTL = ttl
	}
}

// WithRevision tags cached content with the document and the revision it
// was generated from, so Engine.Ingest can retire it once the document
// changes, even in a later process.
func WithRevision(docID, revision string) PipelineOption {
	return func(p *Pipeline) {
		p.docID = docID
		p.revision = revision
	}
}

// WithPipelineLogger sets the logger
func WithPipelineLogger(l log.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// NewPipeline creates a pipeline. A nil retriever generates without context.
func NewPipeline(r Retriever, client *Client, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		retriever: r,
		client:    client,
		budget:    assembler.Budget{MaxTokens: 4000},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = log.OrDefault(p.logger)
	return p
}

// CacheKey is the exact-match key of a step's generated content.
func CacheKey(stepID, instructions string) string {
	sum := sha256.Sum256([]byte(stepID + "\x00" + instructions))
	return "gen:" + hex.EncodeToString(sum[:])
}

// DocumentTag is the cache tag of every entry generated for docID.
func DocumentTag(docID string) string {
	return "doc:" + docID
}

// RevisionTag is the cache tag of entries generated from one revision of
// docID.
func RevisionTag(docID, revision string) string {
	return "rev:" + docID + "@" + revision
}

// Context retrieves and assembles the context for instructions without
// generating anything.
func (p *Pipeline) Context(ctx context.Context, instructions string) (*assembler.ContextPayload, error) {
	if p.retriever == nil {
		return assembler.Assemble(nil, p.budget), nil
	}
	results, err := p.retriever.Retrieve(ctx, instructions, retriever.Options{Filter: p.filter})
	if err != nil {
		return nil, err
	}
	return assembler.Assemble(results, p.budget), nil
}

// GenerateContent implements executor.ContentGenerator
func (p *Pipeline) GenerateContent(ctx context.Context, step *graph.BuildStep) (*executor.Generated, error) {
	p.requests.Add(1)
	instructions := step.Prompt()
	if err := validate(instructions); err != nil {
		p.failures.Add(1)
		return nil, executor.Permanent(err)
	}
	key := CacheKey(step.ID, instructions)

	if p.cache != nil {
		value, hit, err := p.cache.Get(ctx, key, instructions)
		if err != nil {
			p.logger.Warn("generate %s: cache read failed: %v", step.ID, err)
		}
		switch hit {
		case cache.HitExact:
			p.exactHits.Add(1)
			return &executor.Generated{Content: value, CacheHit: string(hit)}, nil
		case cache.HitSemantic:
			p.semanticHits.Add(1)
			p.logger.Debug("generate %s: served from a similar cached request", step.ID)
			return &executor.Generated{Content: value, CacheHit: string(hit)}, nil
		}
	}
	p.misses.Add(1)

	payload, err := p.Context(ctx, instructions)
	if err != nil {
		p.failures.Add(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rag.IsInvalidVector(err) {
			return nil, executor.Permanent(fmt.Errorf("generate %s: %w", step.ID, err))
		}
		return nil, executor.Transient(fmt.Errorf("generate %s: %w", step.ID, err))
	}

	res, err := p.client.Generate(ctx, payload, instructions)
	if err != nil {
		p.failures.Add(1)
		return nil, stepError(step.ID, err)
	}

	gen := &executor.Generated{
		Content:       res.Content,
		CacheHit:      string(cache.HitMiss),
		ContextChunks: payload.ChunkIDs(),
		Warnings:      res.Warnings,
	}
	if n := len(payload.Omitted); n > 0 {
		gen.Warnings = append(gen.Warnings, fmt.Sprintf("%d context chunks did not fit the budget", n))
	}

	if p.cache != nil {
		tags := []string{"step:" + step.ID, "kind:" + string(step.Kind)}
		if path := step.OutputPath(); path != "" {
			tags = append(tags, "path:"+path)
		}
		if p.docID != "" {
			tags = append(tags, DocumentTag(p.docID), RevisionTag(p.docID, p.revision))
		}
		err := p.cache.Set(ctx, key, res.Content, cache.SetOptions{
			TTL:       p.cacheTTL,
			Tags:      tags,
			DependsOn: payload.ChunkIDs(),
			Query:     instructions,
		})
		if err != nil {
			p.logger.Warn("generate %s: cache write failed: %v", step.ID, err)
		}
	}
	return gen, nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Requests:     p.requests.Load(),
		ExactHits:    p.exactHits.Load(),
		SemanticHits: p.semanticHits.Load(),
		Misses:       p.misses.Load(),
		Failures:     p.failures.Load(),
	}
}

func stepError(stepID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	err = fmt.Errorf("generate %s: %w", stepID, err)
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return executor.Permanent(err)
	}
	if IsRetryable(err) {
		return executor.Transient(err)
	}
	return executor.Permanent(err)
}
