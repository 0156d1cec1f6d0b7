// Package config loads ragbuild settings from defaults, an optional config
// file and RAGBUILD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// RAGBUILD_EXECUTOR_WORKERS for executor.workers.
const EnvPrefix = "RAGBUILD"

// Config represents the ragbuild configuration
type Config struct {
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Context    ContextConfig    `mapstructure:"context"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Generation GenerationConfig `mapstructure:"generation"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Report     ReportConfig     `mapstructure:"report"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ExecutorConfig controls step scheduling and the step runner
type ExecutorConfig struct {
	// Workers bounds how many steps run at once
	Workers        int           `mapstructure:"workers"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// StrictDependencies rejects documents with unknown dependency references
	StrictDependencies bool   `mapstructure:"strict_dependencies"`
	TolerateSkipped    bool   `mapstructure:"tolerate_skipped"`
	RollbackOnCancel   bool   `mapstructure:"rollback_on_cancel"`
	Shell              string `mapstructure:"shell"`
	DryRun             bool   `mapstructure:"dry_run"`
	WorkDir            string `mapstructure:"work_dir"`
	PackageManager     string `mapstructure:"package_manager"`
}

// RetrievalConfig controls semantic retrieval
type RetrievalConfig struct {
	MinK           int           `mapstructure:"min_k"`
	MaxK           int           `mapstructure:"max_k"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	Deadline       time.Duration `mapstructure:"deadline"`
}

// ContextConfig bounds the context handed to generation
type ContextConfig struct {
	BudgetTokens int `mapstructure:"budget_tokens"`
}

// CacheConfig controls the generation cache
type CacheConfig struct {
	Backend           string        `mapstructure:"backend"` // memory or redis
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	Prefix            string        `mapstructure:"prefix"`
	SemanticThreshold float64       `mapstructure:"semantic_threshold"`
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	MaxEntries        int           `mapstructure:"max_entries"`
}

// GenerationConfig selects and paces the generation provider
type GenerationConfig struct {
	Provider string `mapstructure:"provider"` // stub, openai or langchain
	// Fallbacks are tried in order when Provider fails with a retryable
	// error. They share Model, APIKey and BaseURL.
	Fallbacks         []string      `mapstructure:"fallbacks"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Quota             int           `mapstructure:"quota"` // 0 disables quota accounting
	QuotaWindow       time.Duration `mapstructure:"quota_window"`
	MinBuffer         int           `mapstructure:"min_buffer"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// EmbeddingConfig selects the embedding provider
type EmbeddingConfig struct {
	Provider    string `mapstructure:"provider"` // hash, openai or langchain
	Model       string `mapstructure:"model"`
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	Dimension   int    `mapstructure:"dimension"`
	Concurrency int    `mapstructure:"concurrency"`
	BatchSize   int    `mapstructure:"batch_size"`
}

// ReportConfig selects where build reports are persisted
type ReportConfig struct {
	Backend   string `mapstructure:"backend"` // memory, file, sqlite, postgres or redis
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redis_addr"`
	Table     string `mapstructure:"table"`
}

// LoggingConfig controls logging
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			Workers:        4,
			DefaultTimeout: 5 * time.Minute,
			BaseBackoff:    500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Shell:          "sh",
			WorkDir:        ".",
			PackageManager: "npm",
		},
		Retrieval: RetrievalConfig{
			MinK:           2,
			MaxK:           10,
			ScoreThreshold: 0.5,
			Deadline:       5 * time.Second,
		},
		Context: ContextConfig{
			BudgetTokens: 4000,
		},
		Cache: CacheConfig{
			Backend:           "memory",
			RedisAddr:         "localhost:6379",
			Prefix:            "ragbuild:cache:",
			SemanticThreshold: 0.8,
			DefaultTTL:        24 * time.Hour,
			MaxEntries:        1000,
		},
		Generation: GenerationConfig{
			Provider:          "stub",
			RequestsPerSecond: 2,
			QuotaWindow:       time.Minute,
			MinBuffer:         1,
			MaxAttempts:       3,
			BaseDelay:         4 * time.Second,
			MaxDelay:          10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:    "hash",
			Dimension:   256,
			Concurrency: 4,
			BatchSize:   16,
		},
		Report: ReportConfig{
			Backend:   "file",
			Path:      ".ragbuild/reports",
			RedisAddr: "localhost:6379",
			Table:     "build_reports",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("executor.workers", d.Executor.Workers)
	v.SetDefault("executor.default_timeout", d.Executor.DefaultTimeout)
	v.SetDefault("executor.base_backoff", d.Executor.BaseBackoff)
	v.SetDefault("executor.max_backoff", d.Executor.MaxBackoff)
	v.SetDefault("executor.strict_dependencies", d.Executor.StrictDependencies)
	v.SetDefault("executor.tolerate_skipped", d.Executor.TolerateSkipped)
	v.SetDefault("executor.rollback_on_cancel", d.Executor.RollbackOnCancel)
	v.SetDefault("executor.shell", d.Executor.Shell)
	v.SetDefault("executor.dry_run", d.Executor.DryRun)
	v.SetDefault("executor.work_dir", d.Executor.WorkDir)
	v.SetDefault("executor.package_manager", d.Executor.PackageManager)

	v.SetDefault("retrieval.min_k", d.Retrieval.MinK)
	v.SetDefault("retrieval.max_k", d.Retrieval.MaxK)
	v.SetDefault("retrieval.score_threshold", d.Retrieval.ScoreThreshold)
	v.SetDefault("retrieval.deadline", d.Retrieval.Deadline)

	v.SetDefault("context.budget_tokens", d.Context.BudgetTokens)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.prefix", d.Cache.Prefix)
	v.SetDefault("cache.semantic_threshold", d.Cache.SemanticThreshold)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)

	v.SetDefault("generation.provider", d.Generation.Provider)
	v.SetDefault("generation.fallbacks", d.Generation.Fallbacks)
	v.SetDefault("generation.model", d.Generation.Model)
	v.SetDefault("generation.api_key", d.Generation.APIKey)
	v.SetDefault("generation.base_url", d.Generation.BaseURL)
	v.SetDefault("generation.requests_per_second", d.Generation.RequestsPerSecond)
	v.SetDefault("generation.quota", d.Generation.Quota)
	v.SetDefault("generation.quota_window", d.Generation.QuotaWindow)
	v.SetDefault("generation.min_buffer", d.Generation.MinBuffer)
	v.SetDefault("generation.max_attempts", d.Generation.MaxAttempts)
	v.SetDefault("generation.base_delay", d.Generation.BaseDelay)
	v.SetDefault("generation.max_delay", d.Generation.MaxDelay)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.dimension", d.Embedding.Dimension)
	v.SetDefault("embedding.concurrency", d.Embedding.Concurrency)
	v.SetDefault("embedding.batch_size", d.Embedding.BatchSize)

	v.SetDefault("report.backend", d.Report.Backend)
	v.SetDefault("report.path", d.Report.Path)
	v.SetDefault("report.dsn", d.Report.DSN)
	v.SetDefault("report.redis_addr", d.Report.RedisAddr)
	v.SetDefault("report.table", d.Report.Table)

	v.SetDefault("logging.level", d.Logging.Level)
}

// New returns a viper instance with defaults and environment overrides
// registered. When cfgFile is set it is read; its format follows the file
// extension (yaml, toml or json). Without one, ragbuild.yaml is looked up in
// the current directory and a missing file is not an error.
func New(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// RAGBUILD_CACHE_REDIS_ADDR for cache.redis_addr
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("generation.api_key", EnvPrefix+"_GENERATION_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("embedding.api_key", EnvPrefix+"_EMBEDDING_API_KEY", "OPENAI_API_KEY")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return v, nil
	}

	v.SetConfigName("ragbuild")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// LoadFile is New followed by Load.
func LoadFile(cfgFile string) (*Config, error) {
	v, err := New(cfgFile)
	if err != nil {
		return nil, err
	}
	return Load(v)
}
