package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/store"
)

const (
	// DefaultSemanticThreshold is deliberately stricter than retrieval.
	DefaultSemanticThreshold = 0.8
	DefaultMaxEntries        = 1000

	// semanticCandidates bounds how many vector matches Get inspects to
	// find a live entry.
	semanticCandidates = 4
)

type entryMeta struct {
	tags         []string
	deps         []string
	priority     int
	lastAccessed time.Time
	expiresAt    time.Time
}

func (m *entryMeta) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && !now.Before(m.expiresAt)
}

// Cache is a semantic cache over a Backend. Exact keys always win; a
// fallback query can also be served by a near-duplicate entry whose query
// embedding scores above the threshold.
type Cache struct {
	backend    Backend
	embedder   rag.Embedder
	vectors    *store.MemoryIndex
	threshold  float64
	defaultTTL time.Duration
	maxEntries int
	logger     log.Logger
	now        func() time.Time

	mu    sync.Mutex
	meta  map[string]*entryMeta
	byTag map[string]map[string]struct{}
	byDep map[string]map[string]struct{}
	stats Stats
}

// Option configures a Cache
type Option func(*Cache)

// WithBackend sets the storage backend. The default keeps entries in memory.
func WithBackend(b Backend) Option {
	return func(c *Cache) {
		c.backend = b
	}
}

// WithSemanticThreshold sets the score a semantic match must exceed
func WithSemanticThreshold(threshold float64) Option {
	return func(c *Cache) {
		c.threshold = threshold
	}
}

// WithDefaultTTL sets the TTL for entries stored without one. Zero keeps
// entries until they are invalidated or evicted.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.defaultTTL = ttl
	}
}

// WithMaxEntries bounds the number of entries. Zero disables the bound.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		c.maxEntries = n
	}
}

// WithLogger sets the logger
func WithLogger(l log.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache. embedder may be nil, in which case only exact hits
// are served.
func New(embedder rag.Embedder, opts ...Option) *Cache {
	c := &Cache{
		embedder:   embedder,
		threshold:  DefaultSemanticThreshold,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		meta:       make(map[string]*entryMeta),
		byTag:      make(map[string]map[string]struct{}),
		byDep:      make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		c.backend = NewMemoryBackend()
	}
	if embedder != nil {
		c.vectors = store.NewMemoryIndex(embedder.GetDimension())
	}
	c.logger = log.OrDefault(c.logger)
	return c
}

// Get looks key up, then falls back to the closest entry for fallbackQuery
// when one is given. A miss is not an error.
func (c *Cache) Get(ctx context.Context, key, fallbackQuery string) (string, HitKind, error) {
	if key != "" {
		c.mu.Lock()
		entry, err := c.lookup(ctx, key)
		if entry != nil {
			c.stats.ExactHits++
		}
		c.mu.Unlock()
		if err != nil {
			return "", HitMiss, err
		}
		if entry != nil {
			return entry.Value, HitExact, nil
		}
	}

	if fallbackQuery != "" && c.vectors != nil {
		value, ok, err := c.semantic(ctx, fallbackQuery)
		if err != nil {
			return "", HitMiss, err
		}
		if ok {
			return value, HitSemantic, nil
		}
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return "", HitMiss, nil
}

// Peek reports how Get would resolve key and fallbackQuery, and the entry
// it would serve, without touching anything: access times, counters and
// expired entries are left as they are.
func (c *Cache) Peek(ctx context.Context, key, fallbackQuery string) (*Entry, HitKind, error) {
	now := c.now()
	if key != "" {
		entry, err := c.backend.Get(ctx, key)
		switch {
		case err == nil && !entry.Expired(now):
			return entry, HitExact, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, HitMiss, err
		}
	}
	if fallbackQuery == "" || c.vectors == nil {
		return nil, HitMiss, nil
	}

	vec, err := c.embedder.EmbedDocument(ctx, fallbackQuery)
	if err != nil {
		return nil, HitMiss, ctx.Err()
	}
	results, err := c.vectors.Search(ctx, vec, semanticCandidates, c.threshold, rag.Filter{})
	if err != nil {
		return nil, HitMiss, err
	}
	for _, r := range results {
		if r.Score <= c.threshold {
			continue
		}
		entry, err := c.backend.Get(ctx, r.Chunk.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, HitMiss, err
		}
		if !entry.Expired(now) {
			return entry, HitSemantic, nil
		}
	}
	return nil, HitMiss, nil
}

func (c *Cache) semantic(ctx context.Context, query string) (string, bool, error) {
	vec, err := c.embedder.EmbedDocument(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		c.logger.Warn("cache: embedding fallback query failed, treating as miss: %v", err)
		return "", false, nil
	}
	results, err := c.vectors.Search(ctx, vec, semanticCandidates, c.threshold, rag.Filter{})
	if err != nil {
		if rag.IsInvalidVector(err) || ctx.Err() != nil {
			return "", false, err
		}
		c.logger.Warn("cache: semantic search failed, treating as miss: %v", err)
		return "", false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		if r.Score <= c.threshold {
			continue
		}
		entry, err := c.lookup(ctx, r.Chunk.ID)
		if err != nil {
			return "", false, err
		}
		if entry == nil {
			continue
		}
		c.stats.SemanticHits++
		c.logger.Debug("cache: semantic hit %s (score %.3f)", entry.Key, r.Score)
		return entry.Value, true, nil
	}
	return "", false, nil
}

// lookup returns the live entry for key and records the access. Expired
// entries are removed and reported as absent. Callers hold c.mu.
func (c *Cache) lookup(ctx context.Context, key string) (*Entry, error) {
	entry, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		if _, ok := c.meta[key]; ok {
			c.unindex(ctx, key)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := c.now()
	if entry.Expired(now) {
		c.stats.Expired++
		return nil, c.remove(ctx, key)
	}

	entry.LastAccessed = now
	entry.AccessCount++
	if err := c.backend.Put(ctx, entry); err != nil {
		return nil, err
	}
	if m, ok := c.meta[key]; ok {
		m.lastAccessed = now
	} else {
		c.index(ctx, entry)
	}
	return entry, nil
}

// Set stores value under key, replacing any previous entry.
func (c *Cache) Set(ctx context.Context, key, value string, opts SetOptions) error {
	if key == "" {
		return errors.New("cache: empty key")
	}

	var vec []float32
	if opts.Query != "" && c.embedder != nil {
		v, err := c.embedder.EmbedDocument(ctx, opts.Query)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.logger.Warn("cache: embedding %s failed, entry serves exact hits only: %v", key, err)
		default:
			if err := rag.CheckDimension(v, c.vectors.Dimension()); err != nil {
				return err
			}
			vec = v
		}
	}

	now := c.now()
	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	entry := &Entry{
		Key:          key,
		Value:        value,
		Query:        opts.Query,
		Embedding:    vec,
		Tags:         dedupe(opts.Tags),
		DependsOn:    dedupe(opts.DependsOn),
		Priority:     opts.Priority,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Put(ctx, entry); err != nil {
		return err
	}
	c.unindex(ctx, key)
	c.index(ctx, entry)
	return c.evict(ctx)
}

// InvalidateByTag removes every entry carrying tag and returns how many
// were removed.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidate(ctx, "tag "+tag, sortedKeys(c.byTag[tag]))
}

// InvalidateByTagExcept removes every entry carrying tag that does not also
// carry keep. It retires the entries of older revisions of a document.
func (c *Cache) InvalidateByTagExcept(ctx context.Context, tag, keep string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for _, key := range sortedKeys(c.byTag[tag]) {
		if _, ok := c.byTag[keep][key]; !ok {
			keys = append(keys, key)
		}
	}
	return c.invalidate(ctx, "tag "+tag+" except "+keep, keys)
}

// InvalidateByDependency removes every entry that depends on dep.
func (c *Cache) InvalidateByDependency(ctx context.Context, dep string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidate(ctx, "dependency "+dep, sortedKeys(c.byDep[dep]))
}

// InvalidateByPattern removes every entry whose key matches the glob
// pattern (path.Match syntax).
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("cache: invalid pattern %q: %w", pattern, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key := range c.meta {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return c.invalidate(ctx, "pattern "+pattern, keys)
}

func (c *Cache) invalidate(ctx context.Context, what string, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.remove(ctx, keys...); err != nil {
		return 0, err
	}
	c.stats.Invalidations += len(keys)
	c.logger.Debug("cache: invalidated %d entries by %s", len(keys), what)
	return len(keys), nil
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.meta[key]; !ok {
		return false, nil
	}
	return true, c.remove(ctx, key)
}

// Cleanup removes expired entries and returns how many were removed.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanup(ctx)
}

func (c *Cache) cleanup(ctx context.Context) (int, error) {
	now := c.now()
	var keys []string
	for key, m := range c.meta {
		if m.expired(now) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	sort.Strings(keys)
	if err := c.remove(ctx, keys...); err != nil {
		return 0, err
	}
	c.stats.Expired += len(keys)
	return len(keys), nil
}

// evict enforces maxEntries: expired entries go first, then the lowest
// priority, then the least recently accessed. Callers hold c.mu.
func (c *Cache) evict(ctx context.Context) error {
	if c.maxEntries <= 0 || len(c.meta) <= c.maxEntries {
		return nil
	}
	if _, err := c.cleanup(ctx); err != nil {
		return err
	}
	for len(c.meta) > c.maxEntries {
		var (
			victim string
			vm     *entryMeta
		)
		for key, m := range c.meta {
			if vm == nil || m.priority < vm.priority ||
				m.priority == vm.priority && (m.lastAccessed.Before(vm.lastAccessed) ||
					m.lastAccessed.Equal(vm.lastAccessed) && key < victim) {
				victim, vm = key, m
			}
		}
		if err := c.remove(ctx, victim); err != nil {
			return err
		}
		c.stats.Evictions++
		c.logger.Debug("cache: evicted %s", victim)
	}
	return nil
}

// Load rebuilds the in-process indexes from the backend, dropping expired
// entries. Use it after opening a cache over a persistent backend.
func (c *Cache) Load(ctx context.Context) error {
	entries, err := c.backend.List(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.meta {
		c.unindex(ctx, key)
	}
	now := c.now()
	var expired []string
	for _, e := range entries {
		if e.Expired(now) {
			expired = append(expired, e.Key)
			continue
		}
		c.index(ctx, e)
	}
	if len(expired) > 0 {
		if err := c.backend.Delete(ctx, expired...); err != nil {
			return err
		}
		c.stats.Expired += len(expired)
	}
	c.logger.Info("cache: loaded %d entries (%d expired)", len(c.meta), len(expired))
	return c.evict(ctx)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.meta)
	return s
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// remove deletes keys from the backend and every index. Callers hold c.mu.
func (c *Cache) remove(ctx context.Context, keys ...string) error {
	if err := c.backend.Delete(ctx, keys...); err != nil {
		return err
	}
	for _, key := range keys {
		c.unindex(ctx, key)
	}
	return nil
}

func (c *Cache) index(ctx context.Context, e *Entry) {
	c.meta[e.Key] = &entryMeta{
		tags:         e.Tags,
		deps:         e.DependsOn,
		priority:     e.Priority,
		lastAccessed: e.LastAccessed,
		expiresAt:    e.ExpiresAt,
	}
	for _, t := range e.Tags {
		addTo(c.byTag, t, e.Key)
	}
	for _, d := range e.DependsOn {
		addTo(c.byDep, d, e.Key)
	}
	if c.vectors != nil && len(e.Embedding) > 0 {
		chunk := rag.Chunk{ID: e.Key, Content: e.Query, Embedding: e.Embedding}
		if err := c.vectors.Store(ctx, chunk); err != nil {
			c.logger.Warn("cache: entry %s not indexed for semantic lookup: %v", e.Key, err)
		}
	}
}

func (c *Cache) unindex(ctx context.Context, key string) {
	m, ok := c.meta[key]
	if !ok {
		return
	}
	delete(c.meta, key)
	for _, t := range m.tags {
		removeFrom(c.byTag, t, key)
	}
	for _, d := range m.deps {
		removeFrom(c.byDep, d, key)
	}
	if c.vectors != nil {
		_ = c.vectors.Delete(context.WithoutCancel(ctx), key)
	}
}

func addTo(idx map[string]map[string]struct{}, name, key string) {
	set, ok := idx[name]
	if !ok {
		set = make(map[string]struct{})
		idx[name] = set
	}
	set[key] = struct{}{}
}

func removeFrom(idx map[string]map[string]struct{}, name, key string) {
	set := idx[name]
	delete(set, key)
	if len(set) == 0 {
		delete(idx, name)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
