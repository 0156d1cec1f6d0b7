package rag

import (
	"context"
	"slices"
)

// ChunkKind classifies a semantic unit of a build document.
type ChunkKind string

const (
	KindCode    ChunkKind = "code"
	KindConfig  ChunkKind = "config"
	KindDoc     ChunkKind = "doc"
	KindCommand ChunkKind = "command"
)

// Chunk is one retrievable unit of a build document. Chunks are immutable
// once ingested; re-ingesting a document produces a new Generation with new IDs.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Generation int               `json:"generation"`
	Content    string            `json:"content"`
	Kind       ChunkKind         `json:"kind"`
	Section    string            `json:"section,omitempty"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Complexity float64           `json:"complexity"`
	StartLine  int               `json:"start_line"`
	EndLine    int               `json:"end_line"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HasTag reports whether the chunk carries tag.
func (c *Chunk) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// RetrievalResult is one ranked hit of a similarity query.
type RetrievalResult struct {
	Chunk       Chunk   `json:"chunk"`
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation,omitempty"`
}

// Filter restricts a search. Zero-valued fields match everything.
type Filter struct {
	Kinds      []ChunkKind
	Tags       []string
	DocumentID string
	Metadata   map[string]string
}

// Matches reports whether c satisfies every constraint of the filter.
func (f Filter) Matches(c *Chunk) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, c.Kind) {
		return false
	}
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	for _, tag := range f.Tags {
		if !c.HasTag(tag) {
			return false
		}
	}
	for k, v := range f.Metadata {
		if c.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	GetDimension() int
}

// VectorIndex stores chunk embeddings and answers similarity queries.
//
// Store is idempotent on chunk ID. Search returns at most k results with
// score >= threshold, sorted by descending score, ties going to the most
// recently stored chunk. Both must reject vectors of the wrong dimension
// with an *InvalidDimensionError.
type VectorIndex interface {
	Store(ctx context.Context, chunk Chunk) error
	Search(ctx context.Context, query []float32, k int, threshold float64, filter Filter) ([]RetrievalResult, error)
	Delete(ctx context.Context, ids ...string) error
	Len() int
	Dimension() int
}

// EstimateTokens approximates the token count of s at four bytes per token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
