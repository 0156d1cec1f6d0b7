package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "executor.workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Valid choices for the enumerated settings.
var (
	CacheBackends       = []string{"memory", "redis"}
	GenerationProviders = []string{"stub", "openai", "langchain"}
	EmbeddingProviders  = []string{"hash", "openai", "langchain"}
	ReportBackends      = []string{"memory", "file", "sqlite", "postgres", "redis"}
	LogLevels           = []string{"debug", "info", "warn", "error", "disable"}
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(field, value string, valid []string) {
		if !slices.Contains(valid, value) {
			add(field, value, "must be one of %s", strings.Join(valid, ", "))
		}
	}
	unit := func(field string, value float64) {
		if value < 0 || value > 1 {
			add(field, value, "must be between 0 and 1")
		}
	}

	e := c.Executor
	if e.Workers <= 0 {
		add("executor.workers", e.Workers, "must be positive")
	}
	if e.DefaultTimeout < 0 {
		add("executor.default_timeout", e.DefaultTimeout, "must not be negative")
	}
	if e.BaseBackoff < 0 {
		add("executor.base_backoff", e.BaseBackoff, "must not be negative")
	}
	if e.MaxBackoff > 0 && e.MaxBackoff < e.BaseBackoff {
		add("executor.max_backoff", e.MaxBackoff, "must not be below executor.base_backoff")
	}
	if strings.TrimSpace(e.Shell) == "" {
		add("executor.shell", e.Shell, "must not be empty")
	}

	r := c.Retrieval
	if r.MinK <= 0 {
		add("retrieval.min_k", r.MinK, "must be positive")
	}
	if r.MaxK < r.MinK {
		add("retrieval.max_k", r.MaxK, "must not be below retrieval.min_k")
	}
	unit("retrieval.score_threshold", r.ScoreThreshold)

	if c.Context.BudgetTokens <= 0 {
		add("context.budget_tokens", c.Context.BudgetTokens, "must be positive")
	}

	ca := c.Cache
	oneOf("cache.backend", ca.Backend, CacheBackends)
	if ca.Backend == "redis" && ca.RedisAddr == "" {
		add("cache.redis_addr", ca.RedisAddr, "is required for the redis backend")
	}
	unit("cache.semantic_threshold", ca.SemanticThreshold)
	if ca.SemanticThreshold < r.ScoreThreshold {
		add("cache.semantic_threshold", ca.SemanticThreshold,
			"must not be below retrieval.score_threshold (%.2f)", r.ScoreThreshold)
	}
	if ca.MaxEntries <= 0 {
		add("cache.max_entries", ca.MaxEntries, "must be positive")
	}

	g := c.Generation
	oneOf("generation.provider", g.Provider, GenerationProviders)
	for i, fb := range g.Fallbacks {
		field := fmt.Sprintf("generation.fallbacks[%d]", i)
		oneOf(field, fb, GenerationProviders)
		if fb == g.Provider || slices.Contains(g.Fallbacks[:i], fb) {
			add(field, fb, "is already tried")
		}
	}
	if g.RequestsPerSecond <= 0 {
		add("generation.requests_per_second", g.RequestsPerSecond, "must be positive")
	}
	if g.Quota < 0 {
		add("generation.quota", g.Quota, "must not be negative")
	}
	if g.MaxAttempts <= 0 {
		add("generation.max_attempts", g.MaxAttempts, "must be positive")
	}

	em := c.Embedding
	oneOf("embedding.provider", em.Provider, EmbeddingProviders)
	if em.Dimension <= 0 {
		add("embedding.dimension", em.Dimension, "must be positive")
	}
	if em.Concurrency <= 0 {
		add("embedding.concurrency", em.Concurrency, "must be positive")
	}

	rep := c.Report
	oneOf("report.backend", rep.Backend, ReportBackends)
	switch rep.Backend {
	case "file", "sqlite":
		if rep.Path == "" {
			add("report.path", rep.Path, "is required for the %s backend", rep.Backend)
		}
	case "postgres":
		if rep.DSN == "" {
			add("report.dsn", rep.DSN, "is required for the postgres backend")
		}
	case "redis":
		if rep.RedisAddr == "" {
			add("report.redis_addr", rep.RedisAddr, "is required for the redis backend")
		}
	}

	oneOf("logging.level", strings.ToLower(c.Logging.Level), LogLevels)
	return errs
}
