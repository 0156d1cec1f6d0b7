package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/smallnest/ragbuild/rag"
)

// scanCheckEvery is how many entries Search scans between context checks.
const scanCheckEvery = 256

type indexEntry struct {
	chunk rag.Chunk
	seq   uint64
}

// MemoryIndex is a flat in-memory vector index with exact cosine search.
// It is safe for concurrent use; writes to the same ID are last-writer-wins.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]*indexEntry
	seq       uint64
}

var _ rag.VectorIndex = (*MemoryIndex)(nil)

// NewMemoryIndex creates an index for vectors of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		entries:   make(map[string]*indexEntry),
	}
}

// Store adds or replaces the chunk with the same ID.
func (s *MemoryIndex) Store(ctx context.Context, chunk rag.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chunk.ID == "" {
		return fmt.Errorf("chunk has no id")
	}
	if err := rag.CheckDimension(chunk.Embedding, s.dimension); err != nil {
		return err
	}

	stored := chunk
	stored.Embedding = append([]float32(nil), chunk.Embedding...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[chunk.ID] = &indexEntry{chunk: stored, seq: s.seq}
	return nil
}

// Search returns up to k chunks scoring at least threshold against query.
func (s *MemoryIndex) Search(ctx context.Context, query []float32, k int, threshold float64, filter rag.Filter) ([]rag.RetrievalResult, error) {
	if err := rag.CheckDimension(query, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []rag.RetrievalResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type scored struct {
		entry *indexEntry
		score float64
	}

	s.mu.RLock()
	candidates := make([]scored, 0, len(s.entries))
	scanned := 0
	for _, e := range s.entries {
		scanned++
		if scanned%scanCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				s.mu.RUnlock()
				return nil, err
			}
		}
		if !filter.Matches(&e.chunk) {
			continue
		}
		score := rag.CosineSimilarity(query, e.chunk.Embedding)
		if !(score >= threshold) {
			continue
		}
		candidates = append(candidates, scored{entry: e, score: score})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.seq > candidates[j].entry.seq
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]rag.RetrievalResult, len(candidates))
	for i, c := range candidates {
		results[i] = rag.RetrievalResult{Chunk: c.entry.chunk, Score: c.score}
	}
	return results, nil
}

// Delete removes the given chunk IDs. Unknown IDs are ignored.
func (s *MemoryIndex) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

// Get returns the stored chunk with the given ID.
func (s *MemoryIndex) Get(id string) (rag.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return rag.Chunk{}, false
	}
	return e.chunk, true
}

// Len returns the number of stored chunks.
func (s *MemoryIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dimension returns the vector size the index accepts.
func (s *MemoryIndex) Dimension() int {
	return s.dimension
}

// Stats describes index contents by chunk kind.
type Stats struct {
	Total     int
	ByKind    map[rag.ChunkKind]int
	Dimension int
}

// GetStats returns statistics about the index
func (s *MemoryIndex) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.entries), ByKind: make(map[rag.ChunkKind]int), Dimension: s.dimension}
	for _, e := range s.entries {
		st.ByKind[e.chunk.Kind]++
	}
	return st
}
