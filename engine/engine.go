package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/ragbuild/cache"
	"github.com/smallnest/ragbuild/config"
	"github.com/smallnest/ragbuild/document"
	"github.com/smallnest/ragbuild/generate"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/chunker"
	"github.com/smallnest/ragbuild/rag/retriever"
	"github.com/smallnest/ragbuild/rag/store"
	report "github.com/smallnest/ragbuild/store"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
)

// Deps overrides the components New would otherwise build from the
// configuration. Zero fields are built from cfg.
type Deps struct {
	Embedder  rag.Embedder
	Generator generate.Generator
	// Model and LangChainEmbedder serve the langchain providers.
	Model             llms.Model
	LangChainEmbedder embeddings.Embedder
	CacheBackend      cache.Backend
	Reports           report.ReportStore
	Logger            log.Logger
}

// InvalidDocumentError reports a build document that cannot be parsed or
// does not describe a valid graph. Issues holds every validation problem
// found, warnings included.
type InvalidDocumentError struct {
	Path   string
	Issues []graph.ValidationError
	Err    error
}

func (e *InvalidDocumentError) Error() string {
	return fmt.Sprintf("invalid build document %s: %v", e.Path, e.Err)
}

func (e *InvalidDocumentError) Unwrap() error {
	return e.Err
}

// IsInvalidDocument reports whether err stems from a malformed or invalid
// build document.
func IsInvalidDocument(err error) bool {
	var invalid *InvalidDocumentError
	return errors.As(err, &invalid)
}

// Engine ingests build documents and plans or runs them. One Engine owns a
// vector index, a generation cache, a rate limiter and a report store; it
// may serve several builds concurrently.
type Engine struct {
	cfg       *config.Config
	logger    log.Logger
	embedder  rag.Embedder
	index     *store.MemoryIndex
	chunker   *chunker.Chunker
	retriever *retriever.VectorRetriever
	cache     *cache.Cache
	client    *generate.Client
	reports   report.ReportStore

	mu sync.Mutex
	// ingested holds the latest ingestion of each document
	ingested map[string]ingestion
}

// New wires an Engine from cfg. The returned engine must be closed.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	logger := deps.Logger
	if logger == nil {
		level, err := log.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logger = log.NewDefaultLogger(level)
	}

	embedder, err := newEmbedder(cfg.Embedding, deps)
	if err != nil {
		return nil, err
	}
	generator, err := newGenerator(cfg.Generation, deps, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		index:    store.NewMemoryIndex(embedder.GetDimension()),
		chunker:  chunker.New(chunker.WithLogger(logger)),
		ingested: make(map[string]ingestion),
	}
	e.retriever = retriever.NewVectorRetriever(e.index, embedder, retriever.Config{
		MinK:           cfg.Retrieval.MinK,
		MaxK:           cfg.Retrieval.MaxK,
		ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		Deadline:       cfg.Retrieval.Deadline,
	}, logger)

	limiter := generate.NewRateLimiter(generate.RateLimiterConfig{
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
		Quota:             cfg.Generation.Quota,
		Window:            cfg.Generation.QuotaWindow,
		MinBuffer:         cfg.Generation.MinBuffer,
	})
	e.client = generate.NewClient(generator,
		generate.WithRateLimiter(limiter),
		generate.WithMaxAttempts(cfg.Generation.MaxAttempts),
		generate.WithBackoff(cfg.Generation.BaseDelay, cfg.Generation.MaxDelay),
		generate.WithClientLogger(logger),
	)

	e.cache, err = newCache(ctx, cfg.Cache, embedder, deps.CacheBackend, logger)
	if err != nil {
		return nil, err
	}

	e.reports = deps.Reports
	if e.reports == nil {
		e.reports, err = newReportStore(ctx, cfg.Report)
		if err != nil {
			_ = e.cache.Close()
			return nil, err
		}
	}
	return e, nil
}

// Cache returns the engine's generation cache.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Reports returns the engine's report store.
func (e *Engine) Reports() report.ReportStore {
	return e.reports
}

// Index returns the engine's vector index.
func (e *Engine) Index() *store.MemoryIndex {
	return e.index
}

// Close releases the cache and the report store.
func (e *Engine) Close() error {
	return errors.Join(e.cache.Close(), e.reports.Close())
}

// load parses the document at path and builds its graph.
func (e *Engine) load(path string) (*document.Document, *graph.BuildGraph, []graph.ValidationError, error) {
	doc, err := document.Load(path)
	if err != nil {
		var perr *document.ParseError
		if errors.As(err, &perr) {
			return nil, nil, nil, &InvalidDocumentError{Path: path, Err: err}
		}
		return nil, nil, nil, err
	}

	builder := graph.NewBuilder(
		graph.WithStrictDependencies(e.cfg.Executor.StrictDependencies),
		graph.WithBuilderLogger(e.logger),
	)
	g, issues, err := builder.Build(doc)
	if err != nil {
		return nil, nil, issues, &InvalidDocumentError{Path: path, Issues: issues, Err: err}
	}
	return doc, g, issues, nil
}
