package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/smallnest/ragbuild/rag"
)

// HashEmbedder is a deterministic embedder for tests and offline runs.
// Tokens are hashed into signed buckets so texts sharing words land close
// together, which is enough for retrieval and cache tests to be meaningful.
type HashEmbedder struct {
	Dimension int
}

var _ rag.Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder creates a new HashEmbedder
func NewHashEmbedder(dimension int) *HashEmbedder {
	return &HashEmbedder{Dimension: dimension}
}

// EmbedDocument generates an embedding for a document
func (e *HashEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.generateEmbedding(text), nil
}

// EmbedDocuments generates embeddings for documents
func (e *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.EmbedDocument(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = v
	}
	return embeddings, nil
}

// GetDimension returns the embedding dimension
func (e *HashEmbedder) GetDimension() int {
	return e.Dimension
}

func (e *HashEmbedder) generateEmbedding(text string) []float32 {
	embedding := make([]float32, e.Dimension)
	if e.Dimension == 0 {
		return embedding
	}
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.Dimension))
		if sum&(1<<63) != 0 {
			embedding[idx] -= 1
		} else {
			embedding[idx] += 1
		}
	}
	return rag.Normalize(embedding)
}

// StaticEmbedder returns fixed vectors for known texts. Unknown texts fail,
// which lets tests exercise embedding-failure paths.
type StaticEmbedder struct {
	Vectors map[string][]float32
	Dim     int
	Err     error
}

var _ rag.Embedder = (*StaticEmbedder)(nil)

// EmbedDocument returns the fixed vector for text.
func (e *StaticEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := e.Vectors[text]
	if !ok {
		return nil, fmt.Errorf("no static vector for %q", text)
	}
	return v, nil
}

// EmbedDocuments returns the fixed vectors for texts.
func (e *StaticEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.EmbedDocument(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// GetDimension returns the configured dimension.
func (e *StaticEmbedder) GetDimension() int {
	return e.Dim
}
