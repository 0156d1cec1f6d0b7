package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testEmbedder() *store.StaticEmbedder {
	return &store.StaticEmbedder{Dim: 3, Vectors: map[string][]float32{
		"how to build the project":   {1, 0, 0},
		"how do I build the project": {0.9, 0.43589, 0},
		"deploy to production":       {0, 1, 0},
		"write the readme":           {0, 0, 1},
	}}
}

func newTestCache(opts ...Option) (*Cache, *fakeClock) {
	clock := newFakeClock()
	base := []Option{WithLogger(&log.NoOpLogger{}), WithClock(clock.Now)}
	return New(testEmbedder(), append(base, opts...)...), clock
}

func TestExactHitWinsOverSemantic(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "first", SetOptions{Query: "how to build the project"}))
	require.NoError(t, c.Set(ctx, "k2", "second", SetOptions{Query: "how do I build the project"}))

	v, hit, err := c.Get(ctx, "k2", "how to build the project")
	require.NoError(t, err)
	assert.Equal(t, HitExact, hit)
	assert.Equal(t, "second", v)
}

func TestGetReturnsMostRecentSet(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()

	for _, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, c.Set(ctx, "key", v, SetOptions{Tags: []string{"t"}}))
	}
	v, hit, err := c.Get(ctx, "key", "")
	require.NoError(t, err)
	assert.Equal(t, HitExact, hit)
	assert.Equal(t, "v3", v)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestSemanticFallback(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "build", "go build ./...", SetOptions{Query: "how to build the project"}))

	tests := []struct {
		name  string
		key   string
		query string
		want  HitKind
	}{
		{"near duplicate", "other", "how do I build the project", HitSemantic},
		{"unrelated", "other", "deploy to production", HitMiss},
		{"no fallback query", "other", "", HitMiss},
		{"embedding fails", "other", "text without a vector", HitMiss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, hit, err := c.Get(ctx, tt.key, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hit)
			if hit == HitSemantic {
				assert.Equal(t, "go build ./...", v)
			}
		})
	}

	s := c.Stats()
	assert.Equal(t, 1, s.SemanticHits)
	assert.Equal(t, 3, s.Misses)
	assert.InDelta(t, 0.25, s.HitRate(), 1e-9)
}

func TestSemanticThresholdIsStrict(t *testing.T) {
	c, _ := newTestCache(WithSemanticThreshold(1.0))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "build", "go build", SetOptions{Query: "how to build the project"}))

	_, hit, err := c.Get(ctx, "", "how to build the project")
	require.NoError(t, err)
	assert.Equal(t, HitMiss, hit, "a score equal to the threshold is not a hit")
}

func TestReadsUpdateAccessMetadata(t *testing.T) {
	backend := NewMemoryBackend()
	c, clock := newTestCache(WithBackend(backend))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", SetOptions{}))

	clock.Advance(time.Minute)
	_, _, err := c.Get(ctx, "k", "")
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "k", "")
	require.NoError(t, err)

	e, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, e.AccessCount)
	assert.Equal(t, clock.Now(), e.LastAccessed)
	assert.Equal(t, clock.Now().Add(-time.Minute), e.CreatedAt)
}

func TestInvalidateByTag(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", "A", SetOptions{Tags: []string{"x", "y"}, Query: "how to build the project"}))
	require.NoError(t, c.Set(ctx, "b", "B", SetOptions{Tags: []string{"y"}}))
	require.NoError(t, c.Set(ctx, "c", "C", SetOptions{Tags: []string{"z"}, Query: "write the readme"}))

	n, err := c.InvalidateByTag(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, key := range []string{"a", "b"} {
		_, hit, err := c.Get(ctx, key, "")
		require.NoError(t, err)
		assert.Equal(t, HitMiss, hit, key)
	}
	v, hit, err := c.Get(ctx, "c", "")
	require.NoError(t, err)
	assert.Equal(t, HitExact, hit)
	assert.Equal(t, "C", v)

	// the vector of an invalidated entry is gone too
	_, hit, err = c.Get(ctx, "", "how do I build the project")
	require.NoError(t, err)
	assert.Equal(t, HitMiss, hit)

	n, err = c.InvalidateByTag(ctx, "y")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, c.Stats().Invalidations)
}

func TestInvalidateByTagExcept(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "old-api", "1", SetOptions{Tags: []string{"doc:web", "rev:web@aaa"}}))
	require.NoError(t, c.Set(ctx, "old-ui", "2", SetOptions{Tags: []string{"doc:web", "rev:web@aaa"}}))
	require.NoError(t, c.Set(ctx, "new-api", "3", SetOptions{Tags: []string{"doc:web", "rev:web@bbb"}}))
	require.NoError(t, c.Set(ctx, "other", "4", SetOptions{Tags: []string{"doc:cli", "rev:cli@aaa"}}))

	n, err := c.InvalidateByTagExcept(ctx, "doc:web", "rev:web@bbb")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for key, want := range map[string]HitKind{"old-api": HitMiss, "old-ui": HitMiss, "new-api": HitExact, "other": HitExact} {
		_, hit, err := c.Get(ctx, key, "")
		require.NoError(t, err)
		assert.Equal(t, want, hit, key)
	}

	n, err = c.InvalidateByTagExcept(ctx, "doc:missing", "rev:missing@x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPeekDoesNotTouchEntries(t *testing.T) {
	backend := NewMemoryBackend()
	c, clock := newTestCache(WithBackend(backend), WithDefaultTTL(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", SetOptions{Query: "how to build the project"}))
	require.NoError(t, c.Set(ctx, "short", "s", SetOptions{TTL: time.Minute}))
	before := c.Stats()

	clock.Advance(2 * time.Minute)
	entry, hit, err := c.Peek(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, HitExact, hit)
	assert.Equal(t, "v", entry.Value)

	entry, hit, err = c.Peek(ctx, "", "how do I build the project")
	require.NoError(t, err)
	assert.Equal(t, HitSemantic, hit)
	assert.Equal(t, "k", entry.Key)

	_, hit, err = c.Peek(ctx, "short", "")
	require.NoError(t, err)
	assert.Equal(t, HitMiss, hit, "expired entries are reported as misses")

	_, hit, err = c.Peek(ctx, "absent", "")
	require.NoError(t, err)
	assert.Equal(t, HitMiss, hit)

	stored, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, stored.AccessCount)
	assert.Equal(t, clock.Now().Add(-2*time.Minute), stored.LastAccessed)
	_, err = backend.Get(ctx, "short")
	assert.NoError(t, err, "expired entries are left in place")
	assert.Equal(t, before, c.Stats())
}

func TestInvalidateByDependencyAndPattern(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "step:api", "1", SetOptions{DependsOn: []string{"doc#0123456789ab.g1-0", "doc#0123456789ab.g1-2"}}))
	require.NoError(t, c.Set(ctx, "step:web", "2", SetOptions{DependsOn: []string{"doc#0123456789ab.g1-2"}}))
	require.NoError(t, c.Set(ctx, "misc", "3", SetOptions{DependsOn: []string{"doc#0123456789ab.g1-5"}}))

	n, err := c.InvalidateByDependency(ctx, "doc#0123456789ab.g1-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.InvalidateByPattern(ctx, "step:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Stats().Entries)

	_, err = c.InvalidateByPattern(ctx, "[")
	require.Error(t, err)

	ok, err := c.Delete(ctx, "misc")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Delete(ctx, "misc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntriesAreNeverServed(t *testing.T) {
	c, clock := newTestCache(WithDefaultTTL(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "short", "s", SetOptions{TTL: time.Minute, Query: "how to build the project"}))
	require.NoError(t, c.Set(ctx, "default", "d", SetOptions{}))
	require.NoError(t, c.Set(ctx, "forever", "f", SetOptions{TTL: -1}))

	clock.Advance(2 * time.Minute)
	_, hit, err := c.Get(ctx, "short", "")
	require.NoError(t, err)
	assert.Equal(t, HitMiss, hit)
	_, hit, err = c.Get(ctx, "", "how do I build the project")
	require.NoError(t, err)
	assert.Equal(t, HitMiss, hit)

	clock.Advance(2 * time.Hour)
	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, hit, err := c.Get(ctx, "forever", "")
	require.NoError(t, err)
	assert.Equal(t, HitExact, hit)
	assert.Equal(t, "f", v)
	assert.Equal(t, 2, c.Stats().Expired)
}

func TestEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("lowest priority first", func(t *testing.T) {
		c, clock := newTestCache(WithMaxEntries(2))
		require.NoError(t, c.Set(ctx, "a", "A", SetOptions{Priority: 1}))
		clock.Advance(time.Second)
		require.NoError(t, c.Set(ctx, "b", "B", SetOptions{Priority: 0}))
		clock.Advance(time.Second)
		require.NoError(t, c.Set(ctx, "c", "C", SetOptions{Priority: 1}))

		_, hit, _ := c.Get(ctx, "b", "")
		assert.Equal(t, HitMiss, hit)
		assert.Equal(t, 1, c.Stats().Evictions)
	})

	t.Run("then least recently accessed", func(t *testing.T) {
		c, clock := newTestCache(WithMaxEntries(2))
		require.NoError(t, c.Set(ctx, "a", "A", SetOptions{}))
		clock.Advance(time.Second)
		require.NoError(t, c.Set(ctx, "b", "B", SetOptions{}))
		clock.Advance(time.Second)
		_, _, _ = c.Get(ctx, "a", "")
		clock.Advance(time.Second)
		require.NoError(t, c.Set(ctx, "c", "C", SetOptions{}))

		_, hit, _ := c.Get(ctx, "b", "")
		assert.Equal(t, HitMiss, hit)
		_, hit, _ = c.Get(ctx, "a", "")
		assert.Equal(t, HitExact, hit)
	})

	t.Run("expired entries before live ones", func(t *testing.T) {
		c, clock := newTestCache(WithMaxEntries(2))
		require.NoError(t, c.Set(ctx, "old", "O", SetOptions{TTL: time.Second, Priority: 5}))
		require.NoError(t, c.Set(ctx, "low", "L", SetOptions{Priority: 0}))
		clock.Advance(time.Minute)
		require.NoError(t, c.Set(ctx, "new", "N", SetOptions{Priority: 0}))

		_, hit, _ := c.Get(ctx, "low", "")
		assert.Equal(t, HitExact, hit)
		assert.Zero(t, c.Stats().Evictions)
	})
}

func TestLoadRebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	first, _ := newTestCache(WithBackend(backend))
	require.NoError(t, first.Set(ctx, "a", "A", SetOptions{Tags: []string{"step:api"}, Query: "how to build the project"}))
	require.NoError(t, first.Set(ctx, "b", "B", SetOptions{Tags: []string{"step:web"}}))

	second, _ := newTestCache(WithBackend(backend))
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 2, second.Stats().Entries)

	_, hit, err := second.Get(ctx, "", "how do I build the project")
	require.NoError(t, err)
	assert.Equal(t, HitSemantic, hit)

	n, err := second.InvalidateByTag(ctx, "step:web")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingBackend struct {
	*MemoryBackend
}

func (failingBackend) Put(context.Context, *Entry) error {
	return errors.New("disk full")
}

func TestBackendErrorsSurface(t *testing.T) {
	c, _ := newTestCache(WithBackend(failingBackend{NewMemoryBackend()}))
	err := c.Set(context.Background(), "k", "v", SetOptions{})
	require.Error(t, err)
	assert.Zero(t, c.Stats().Entries)
}
