package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/smallnest/ragbuild/cache"
	"github.com/smallnest/ragbuild/config"
	"github.com/smallnest/ragbuild/document"
	"github.com/smallnest/ragbuild/executor"
	"github.com/smallnest/ragbuild/generate"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

const webappDoc = `
name: webapp
content: |
  # Web app

  The server uses the express framework and listens on port 8080.

  ## Deployment

  Run the server behind a reverse proxy.
steps:
  - id: init
    kind: create-dir
    filePath: app
  - id: server
    kind: write-file
    filePath: app/server.js
    prompt: Write an express server listening on port 8080
    dependsOn: [init]
    critical: true
  - id: readme
    kind: write-file
    filePath: app/README.md
    content: "# webapp\n"
    dependsOn: [init]
  - id: check
    kind: run-command
    command: test -f app/server.js
    dependsOn: [server]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Executor.WorkDir = t.TempDir()
	cfg.Executor.BaseBackoff = time.Millisecond
	cfg.Executor.MaxBackoff = 5 * time.Millisecond
	cfg.Retrieval.ScoreThreshold = 0.01
	cfg.Embedding.Dimension = 64
	cfg.Generation.RequestsPerSecond = 1000
	cfg.Generation.BaseDelay = time.Millisecond
	cfg.Generation.MaxDelay = 5 * time.Millisecond
	cfg.Report.Backend = "memory"
	cfg.Logging.Level = "disable"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, Deps{Logger: &log.NoOpLogger{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeDoc(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// drain collects events until the channel is closed.
func drain(events <-chan executor.Event) (func() []executor.Event, *sync.WaitGroup) {
	var (
		mu  sync.Mutex
		got []executor.Event
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	return func() []executor.Event {
		mu.Lock()
		defer mu.Unlock()
		return got
	}, &wg
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	path := writeDoc(t, "webapp.yaml", webappDoc)
	out := filepath.Join(t.TempDir(), "artifact")

	events := make(chan executor.Event, 16)
	collected, wg := drain(events)
	res, err := e.Build(context.Background(), path, out, events)
	close(events)
	wg.Wait()
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, executor.BuildSucceeded, rec.Status)
	assert.Equal(t, rec.RunID, res.RunID)
	sum := rec.Summarize()
	assert.Equal(t, 4, sum.Succeeded)
	assert.Equal(t, 1, sum.CacheMiss)

	server, err := os.ReadFile(filepath.Join(cfg.Executor.WorkDir, "app", "server.js"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(server), "// generated "))
	assert.Contains(t, string(server), "task: Write an express server listening on port 8080")

	require.NotNil(t, res.Artifact)
	var paths []string
	for _, f := range res.Artifact.Files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"app/server.js", "app/README.md"}, paths)
	assert.FileExists(t, filepath.Join(out, "manifest.json"))
	assert.FileExists(t, filepath.Join(out, "REPORT.md"))
	assert.FileExists(t, filepath.Join(out, "files", "app", "server.js"))

	evs := collected()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, executor.EventComplete, last.Type)
	assert.Equal(t, executor.BuildSucceeded, last.Build)

	entries, stored, err := e.Report(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, entries, len(evs))
	assert.Equal(t, executor.BuildSucceeded, stored.Status)
	assert.Equal(t, "webapp", stored.Graph)

	assert.Equal(t, int64(1), res.Generation.Misses)
	assert.False(t, res.Ingest.Unchanged)
	assert.Positive(t, res.Ingest.Chunks)
}

func TestBuildReusesCachedContent(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	path := writeDoc(t, "webapp.yaml", webappDoc)
	ctx := context.Background()

	first, err := e.Build(ctx, path, "", nil)
	require.NoError(t, err)
	server, _ := first.Record.Step("server")
	assert.Equal(t, "miss", server.CacheHit)

	second, err := e.Build(ctx, path, "", nil)
	require.NoError(t, err)
	assert.True(t, second.Ingest.Unchanged)
	assert.Equal(t, int64(1), second.Generation.ExactHits)
	server, _ = second.Record.Step("server")
	assert.Equal(t, "exact", server.CacheHit)
	assert.NotEqual(t, first.RunID, second.RunID)

	runs, err := e.Reports().Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	path := writeDoc(t, "webapp.yaml", webappDoc)
	ctx := context.Background()

	plan, err := e.Plan(ctx, path)
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.Executor.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "planning must not touch the work directory")

	assert.Equal(t, "webapp", plan.Document)
	assert.Equal(t, 4, plan.Graph.Len())
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "server", plan.Steps[0].StepID)
	assert.Equal(t, "app/server.js", plan.Steps[0].OutputPath)
	assert.False(t, plan.Steps[0].Cached)
	assert.Equal(t, 1, plan.GenerationCalls)

	text := plan.Text()
	assert.Contains(t, text, "Build plan: webapp")
	assert.Contains(t, text, "server -> app/server.js")
	assert.Contains(t, text, "estimated generation calls: 1")

	_, err = e.Build(ctx, path, "", nil)
	require.NoError(t, err)

	stats := e.Cache().Stats()
	plan, err = e.Plan(ctx, path)
	require.NoError(t, err)
	assert.True(t, plan.Steps[0].Cached)
	assert.Equal(t, 0, plan.GenerationCalls)
	assert.Equal(t, stats, e.Cache().Stats(), "planning must not touch the cache")
}

func TestPlanLeavesStaleCacheEntries(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	path := writeDoc(t, "webapp.yaml", webappDoc)

	_, err := e.Build(ctx, path, "", nil)
	require.NoError(t, err)
	key := generate.CacheKey("server", "Write an express server listening on port 8080")

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(webappDoc, "express framework", "fastify framework", 1)), 0o644))
	plan, err := e.Plan(ctx, path)
	require.NoError(t, err)
	assert.False(t, plan.Steps[0].Cached, "content of the old revision is not reused")
	assert.Equal(t, 1, plan.GenerationCalls)
	assert.Zero(t, plan.Ingest.Invalidated)

	_, hit, err := e.Cache().Peek(ctx, key, "")
	require.NoError(t, err)
	assert.Equal(t, cache.HitExact, hit, "the entry survives until the next build")

	res, err := e.Build(ctx, path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingest.Invalidated)
	assert.Equal(t, int64(1), res.Generation.Misses)
}

func TestCacheSurvivesRestartUntilDocumentChanges(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisConfig := func() *config.Config {
		cfg := testConfig(t)
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisAddr = mr.Addr()
		return cfg
	}
	ctx := context.Background()
	path := writeDoc(t, "webapp.yaml", webappDoc)

	first, err := newTestEngine(t, redisConfig()).Build(ctx, path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Generation.Misses)

	// same document, new process: served from the persistent cache
	same, err := newTestEngine(t, redisConfig()).Build(ctx, path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Generation.ExactHits)
	assert.Zero(t, same.Ingest.Invalidated)

	changed := strings.NewReplacer("express framework", "fastify framework", "port 8080.", "port 9090.").Replace(webappDoc)
	require.NotEqual(t, webappDoc, changed)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))

	after, err := newTestEngine(t, redisConfig()).Build(ctx, path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Ingest.Invalidated)
	assert.Equal(t, int64(1), after.Generation.Misses)
	assert.Zero(t, after.Generation.ExactHits+after.Generation.SemanticHits)
	server, _ := after.Record.Step("server")
	assert.Equal(t, "miss", server.CacheHit)
	assert.NotEqual(t, first.Ingest.Revision, after.Ingest.Revision)
}

func TestBuildCriticalFailureRollsBack(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	path := writeDoc(t, "deploy.yaml", `
name: deploy
steps:
  - id: readme
    kind: write-file
    filePath: README.md
    content: "# deploy\n"
    rollback: [cleanup]
  - id: cleanup
    kind: run-command
    command: rm -f README.md
  - id: release
    kind: run-command
    command: exit 3
    dependsOn: [readme]
    critical: true
`)
	out := filepath.Join(t.TempDir(), "artifact")

	res, err := e.Build(context.Background(), path, out, nil)
	require.Error(t, err)
	var stepErr *executor.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "release", stepErr.StepID)

	assert.Equal(t, executor.BuildRolledBack, res.Record.Status)
	assert.Equal(t, []string{"cleanup"}, res.Record.RollbackOrder())
	assert.NoFileExists(t, filepath.Join(cfg.Executor.WorkDir, "README.md"))

	require.NotNil(t, res.Report)
	assert.Empty(t, res.Artifact.Files)
	require.Len(t, res.Report.Omissions, 1)
	assert.Equal(t, "README.md", res.Report.Omissions[0].Path)
}

func TestInvalidDocument(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	cyclic := writeDoc(t, "cycle.yaml", `
name: cycle
steps:
  - id: a
    kind: run-command
    command: "true"
    dependsOn: [b]
  - id: b
    kind: run-command
    command: "true"
    dependsOn: [a]
`)
	_, err := e.Build(ctx, cyclic, "", nil)
	require.Error(t, err)
	assert.True(t, IsInvalidDocument(err))
	var cycleErr *graph.DependencyCycleError
	assert.ErrorAs(t, err, &cycleErr)

	malformed := writeDoc(t, "broken.yaml", "steps: [\n")
	_, err = e.Plan(ctx, malformed)
	require.Error(t, err)
	assert.True(t, IsInvalidDocument(err))
	var parseErr *document.ParseError
	assert.ErrorAs(t, err, &parseErr)

	_, err = e.Plan(ctx, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.False(t, IsInvalidDocument(err))
}

func TestStrictDependencies(t *testing.T) {
	body := `
name: loose
steps:
  - id: a
    kind: run-command
    command: "true"
    dependsOn: [ghost]
`
	ctx := context.Background()

	lenient := newTestEngine(t, testConfig(t))
	plan, err := lenient.Plan(ctx, writeDoc(t, "loose.yaml", body))
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Issues)

	cfg := testConfig(t)
	cfg.Executor.StrictDependencies = true
	strict := newTestEngine(t, cfg)
	_, err = strict.Plan(ctx, writeDoc(t, "loose.yaml", body))
	require.Error(t, err)
	assert.True(t, IsInvalidDocument(err))
}

func TestIngestReplacesGeneration(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()
	doc := &document.Document{Name: "notes", Content: "# Notes\n\nThe cache lives in redis.\n"}

	first, err := e.Ingest(ctx, doc)
	require.NoError(t, err)
	require.Positive(t, first.Chunks)
	assert.Equal(t, 1, first.Generation)
	assert.Equal(t, first.Chunks, e.Index().Len())

	again, err := e.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, 1, again.Generation)

	firstID := "notes#" + first.Revision + ".g1-0"
	_, ok := e.Index().Get(firstID)
	require.True(t, ok)
	require.NoError(t, e.Cache().Set(ctx, "gen:old", "content", cache.SetOptions{DependsOn: []string{firstID}}))

	doc.Content += "\n## Queue\n\nJobs are queued in postgres.\n"
	second, err := e.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Generation)
	assert.NotEqual(t, first.Revision, second.Revision)
	assert.Equal(t, first.Chunks, second.Replaced)
	assert.Equal(t, 1, second.Invalidated)
	assert.Equal(t, second.Chunks, e.Index().Len())

	_, hit, err := e.Cache().Get(ctx, "gen:old", "")
	require.NoError(t, err)
	assert.Equal(t, cache.HitMiss, hit)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Executor.Workers = 0
	_, err := New(context.Background(), cfg, Deps{Logger: &log.NoOpLogger{}})
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestIngestReferences(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()
	dir := t.TempDir()
	api := filepath.Join(dir, "api.md")
	require.NoError(t, os.WriteFile(api, []byte("## Health\n\nGET /health returns the build version.\n"), 0o644))

	doc := &document.Document{
		Name:       "service",
		Source:     filepath.Join(dir, "service.yaml"),
		Content:    "# Service\n\nA small HTTP service.\n",
		References: []string{"api.md"},
	}
	first, err := e.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.False(t, first.Unchanged)

	results, err := e.Index().Search(ctx, mustEmbed(t, e, "GET /health returns the build version."), 3, 0, rag.Filter{DocumentID: "service"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Chunk.Content, "/health")

	again, err := e.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.True(t, again.Unchanged)

	require.NoError(t, os.WriteFile(api, []byte("## Health\n\nGET /healthz replaces /health.\n"), 0o644))
	changed, err := e.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.False(t, changed.Unchanged)
	assert.Equal(t, first.Generation+1, changed.Generation)

	doc.References = []string{"missing.md"}
	_, err = e.Ingest(ctx, doc)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func mustEmbed(t *testing.T, e *Engine, text string) []float32 {
	t.Helper()
	vec, err := e.embedder.EmbedDocument(context.Background(), text)
	require.NoError(t, err)
	return vec
}

// downModel is a langchaingo model whose provider is unreachable.
type downModel struct {
	code  llms.ErrorCode
	calls int
}

func (m *downModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	return nil, llms.NewError(m.code, "openai", "provider failed")
}

func (m *downModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestGenerationFallsBackToNextProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Provider = "langchain"
	cfg.Generation.Fallbacks = []string{"stub"}
	model := &downModel{code: llms.ErrCodeProviderUnavailable}
	e, err := New(context.Background(), cfg, Deps{Logger: &log.NoOpLogger{}, Model: model})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	res, err := e.Build(context.Background(), writeDoc(t, "webapp.yaml", webappDoc), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, model.calls)
	server, _ := res.Record.Step("server")
	assert.Contains(t, server.Warnings, "generated by fallback provider stub")
	content, err := os.ReadFile(filepath.Join(cfg.Executor.WorkDir, "app", "server.js"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "// generated "))
}

func TestGenerationDoesNotFallBackOnValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Provider = "langchain"
	cfg.Generation.Fallbacks = []string{"stub"}
	model := &downModel{code: llms.ErrCodeAuthentication}
	e, err := New(context.Background(), cfg, Deps{Logger: &log.NoOpLogger{}, Model: model})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	res, err := e.Build(context.Background(), writeDoc(t, "webapp.yaml", webappDoc), "", nil)
	require.Error(t, err)
	assert.Equal(t, 1, model.calls, "validation errors are neither retried nor handed on")
	assert.NoFileExists(t, filepath.Join(cfg.Executor.WorkDir, "app", "server.js"))
	assert.False(t, res.Record.Status.OK())
}
