package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smallnest/ragbuild/cache"
	"github.com/smallnest/ragbuild/config"
	"github.com/smallnest/ragbuild/generate"
	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/store"
	report "github.com/smallnest/ragbuild/store"
	filestore "github.com/smallnest/ragbuild/store/file"
	memstore "github.com/smallnest/ragbuild/store/memory"
	pgstore "github.com/smallnest/ragbuild/store/postgres"
	redisstore "github.com/smallnest/ragbuild/store/redis"
	sqlitestore "github.com/smallnest/ragbuild/store/sqlite"
	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

func langchainOptions(model, apiKey, baseURL string) []lcopenai.Option {
	var opts []lcopenai.Option
	if apiKey != "" {
		opts = append(opts, lcopenai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}
	if model != "" {
		opts = append(opts, lcopenai.WithModel(model))
	}
	return opts
}

func newEmbedder(cfg config.EmbeddingConfig, deps Deps) (rag.Embedder, error) {
	if deps.Embedder != nil {
		return deps.Embedder, nil
	}
	switch cfg.Provider {
	case "hash":
		return store.NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		return rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		}), nil
	case "langchain":
		lc := deps.LangChainEmbedder
		if lc == nil {
			opts := langchainOptions("", cfg.APIKey, cfg.BaseURL)
			if cfg.Model != "" {
				opts = append(opts, lcopenai.WithEmbeddingModel(cfg.Model))
			}
			llm, err := lcopenai.New(opts...)
			if err != nil {
				return nil, fmt.Errorf("langchain embedder: %w", err)
			}
			lc, err = embeddings.NewEmbedder(llm)
			if err != nil {
				return nil, fmt.Errorf("langchain embedder: %w", err)
			}
		}
		return rag.NewLangChainEmbedder(lc, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// newGenerator builds the configured provider, wrapped in a
// FallbackGenerator when fallbacks are configured.
func newGenerator(cfg config.GenerationConfig, deps Deps, logger log.Logger) (generate.Generator, error) {
	if deps.Generator != nil {
		return deps.Generator, nil
	}
	primary, err := newProvider(cfg.Provider, cfg, deps)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}
	chain := []generate.NamedGenerator{{Name: cfg.Provider, Generator: primary}}
	for _, name := range cfg.Fallbacks {
		g, err := newProvider(name, cfg, deps)
		if err != nil {
			return nil, err
		}
		chain = append(chain, generate.NamedGenerator{Name: name, Generator: g})
	}
	return generate.NewFallbackGenerator(logger, chain...), nil
}

func newProvider(name string, cfg config.GenerationConfig, deps Deps) (generate.Generator, error) {
	switch name {
	case "stub":
		return &generate.StubGenerator{}, nil
	case "openai":
		return generate.NewOpenAIGenerator(generate.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), nil
	case "langchain":
		model := deps.Model
		if model == nil {
			llm, err := lcopenai.New(langchainOptions(cfg.Model, cfg.APIKey, cfg.BaseURL)...)
			if err != nil {
				return nil, fmt.Errorf("langchain generator: %w", err)
			}
			model = llm
		}
		return generate.NewLangChainGenerator(model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", name)
	}
}

func newCache(ctx context.Context, cfg config.CacheConfig, embedder rag.Embedder, backend cache.Backend, logger log.Logger) (*cache.Cache, error) {
	if backend == nil {
		switch cfg.Backend {
		case "memory":
			backend = cache.NewMemoryBackend()
		case "redis":
			backend = cache.NewRedisBackend(cache.RedisOptions{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				Prefix:   cfg.Prefix,
			})
		default:
			return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
		}
	}
	c := cache.New(embedder,
		cache.WithBackend(backend),
		cache.WithSemanticThreshold(cfg.SemanticThreshold),
		cache.WithDefaultTTL(cfg.DefaultTTL),
		cache.WithMaxEntries(cfg.MaxEntries),
		cache.WithLogger(logger),
	)
	// entries from earlier runs of a persistent backend
	if err := c.Load(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("load cache: %w", err)
	}
	return c, nil
}

func newReportStore(ctx context.Context, cfg config.ReportConfig) (report.ReportStore, error) {
	switch cfg.Backend {
	case "memory":
		return memstore.NewMemoryReportStore(), nil
	case "file":
		return filestore.NewFileReportStore(cfg.Path)
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("report store: %w", err)
			}
		}
		return sqlitestore.NewSqliteReportStore(sqlitestore.SqliteOptions{Path: cfg.Path, TableName: cfg.Table})
	case "postgres":
		s, err := pgstore.NewPostgresReportStore(ctx, pgstore.PostgresOptions{ConnString: cfg.DSN, TableName: cfg.Table})
		if err != nil {
			return nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "redis":
		return redisstore.NewRedisReportStore(redisstore.RedisOptions{Addr: cfg.RedisAddr}), nil
	default:
		return nil, fmt.Errorf("unknown report backend %q", cfg.Backend)
	}
}
