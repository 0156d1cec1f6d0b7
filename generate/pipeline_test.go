package generate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/smallnest/ragbuild/cache"
	"github.com/smallnest/ragbuild/executor"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/assembler"
	"github.com/smallnest/ragbuild/rag/retriever"
	"github.com/smallnest/ragbuild/rag/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	mu      sync.Mutex
	queries []string
	filters []rag.Filter
	results []rag.RetrievalResult
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, opts retriever.Options) ([]rag.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.filters = append(f.filters, opts.Filter)
	return f.results, f.err
}

func genStep(id, path, prompt string) *graph.BuildStep {
	a := graph.WriteFile{Path: path, Prompt: prompt}
	return &graph.BuildStep{ID: id, Kind: a.Kind(), Action: a}
}

func newTestPipeline(r Retriever, g Generator, c *cache.Cache) *Pipeline {
	opts := []PipelineOption{
		WithPipelineLogger(&log.NoOpLogger{}),
		WithFilter(rag.Filter{DocumentID: "webapp"}),
	}
	if c != nil {
		opts = append(opts, WithCache(c))
	}
	return NewPipeline(r, quickClient(g), opts...)
}

func TestPipelineCachesGeneratedContent(t *testing.T) {
	ctx := context.Background()
	r := &fakeRetriever{results: []rag.RetrievalResult{
		{Chunk: rag.Chunk{ID: "webapp#1-0", Kind: rag.KindCode, Content: "http.HandleFunc(\"/\", index)"}, Score: 0.9},
		{Chunk: rag.Chunk{ID: "webapp#1-2", Kind: rag.KindDoc, Content: "Handlers live in api.go"}, Score: 0.6},
	}}
	g := &scriptedGenerator{}
	c := cache.New(store.NewHashEmbedder(32), cache.WithLogger(&log.NoOpLogger{}))
	p := newTestPipeline(r, g, c)

	api := genStep("api", "api.go", "write the http api handlers")
	gen, err := p.GenerateContent(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, "ok: write the http api handlers", gen.Content)
	assert.Equal(t, "miss", gen.CacheHit)
	assert.Equal(t, []string{"webapp#1-0", "webapp#1-2"}, gen.ContextChunks)
	assert.Equal(t, []string{"write the http api handlers"}, r.queries)
	assert.Equal(t, "webapp", r.filters[0].DocumentID)

	gen, err = p.GenerateContent(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, "exact", gen.CacheHit)
	assert.Equal(t, "ok: write the http api handlers", gen.Content)

	// same instructions under another step: only the semantic fallback can hit
	gen, err = p.GenerateContent(ctx, genStep("api-copy", "api2.go", "write the http api handlers"))
	require.NoError(t, err)
	assert.Equal(t, "semantic", gen.CacheHit)

	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, PipelineStats{Requests: 3, ExactHits: 1, SemanticHits: 1, Misses: 1}, p.Stats())

	// changed context invalidates what was generated from it
	n, err := c.InvalidateByDependency(ctx, "webapp#1-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	gen, err = p.GenerateContent(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, "miss", gen.CacheHit)
	assert.Equal(t, int32(2), g.calls.Load())

	for _, tag := range []string{"step:api", "kind:write-file", "path:api.go"} {
		n, err := c.InvalidateByTag(ctx, tag)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 1, tag)
	}
	assert.Zero(t, c.Stats().Entries)
}

func TestPipelineWithoutCache(t *testing.T) {
	g := &scriptedGenerator{}
	p := newTestPipeline(nil, g, nil)
	step := genStep("readme", "README.md", "write a readme")
	for range 2 {
		gen, err := p.GenerateContent(context.Background(), step)
		require.NoError(t, err)
		assert.Equal(t, "miss", gen.CacheHit)
		assert.Empty(t, gen.ContextChunks)
	}
	assert.Equal(t, int32(2), g.calls.Load())
}

func TestPipelineBudgetWarning(t *testing.T) {
	r := &fakeRetriever{results: []rag.RetrievalResult{
		{Chunk: rag.Chunk{ID: "a", Content: "short"}, Score: 0.9},
		{Chunk: rag.Chunk{ID: "b", Content: string(make([]byte, 400))}, Score: 0.8},
	}}
	p := NewPipeline(r, quickClient(&scriptedGenerator{}),
		WithBudget(assembler.Budget{MaxTokens: rag.EstimateTokens("[1] a (, score 0.90)\nshort\n\n") * 2}),
		WithPipelineLogger(&log.NoOpLogger{}))
	gen, err := p.GenerateContent(context.Background(), genStep("s", "s.txt", "write s"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, gen.ContextChunks)
	assert.Contains(t, gen.Warnings, "1 context chunks did not fit the budget")
}

func TestPipelineErrorClassification(t *testing.T) {
	ctx := context.Background()
	step := genStep("s", "s.go", "write s")

	tests := []struct {
		name      string
		retriever Retriever
		genErr    error
		retryable bool
	}{
		{name: "validation", genErr: &ValidationError{Reason: "bad"}},
		{name: "rate limit", genErr: &RateLimitError{}},
		{name: "provider outage", genErr: &ProviderError{Provider: "x", Status: 503, Err: errors.New("down")}, retryable: true},
		{
			name:      "dimension mismatch",
			retriever: &fakeRetriever{err: rag.CheckDimension([]float32{1}, 2)},
		},
		{
			name:      "index failure",
			retriever: &fakeRetriever{err: errors.New("index offline")},
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &scriptedGenerator{}
			if tt.genErr != nil {
				g.errs = []error{tt.genErr, tt.genErr, tt.genErr}
			}
			p := newTestPipeline(tt.retriever, g, nil)
			_, err := p.GenerateContent(ctx, step)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, executor.IsRetryable(err))
			assert.Equal(t, int64(1), p.Stats().Failures)
		})
	}

	p := newTestPipeline(nil, &scriptedGenerator{}, nil)
	_, err := p.GenerateContent(ctx, &graph.BuildStep{ID: "cmd", Kind: graph.KindRunCommand, Action: graph.RunCommand{Command: "true"}})
	require.Error(t, err)
	assert.False(t, executor.IsRetryable(err))
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, CacheKey("a", "x"), CacheKey("a", "x"))
	assert.NotEqual(t, CacheKey("a", "x"), CacheKey("b", "x"))
	assert.NotEqual(t, CacheKey("a", "bx"), CacheKey("ab", "x"))
}
