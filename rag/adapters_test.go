package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLCEmbedder struct {
	calls int
}

func (m *mockLCEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls++
	res := make([][]float32, len(texts))
	for i := range texts {
		res[i] = []float32{0.1, 0.2}
	}
	return res, nil
}

func (m *mockLCEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	return []float32{0.1, 0.2}, nil
}

func TestLangChainEmbedder(t *testing.T) {
	ctx := context.Background()
	lc := &mockLCEmbedder{}
	adapter := NewLangChainEmbedder(lc, 0)

	emb, err := adapter.EmbedDocument(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, emb)

	embs, err := adapter.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, embs, 2)

	assert.Equal(t, 2, adapter.GetDimension())
	calls := lc.calls
	assert.Equal(t, 2, adapter.GetDimension())
	assert.Equal(t, calls, lc.calls, "dimension discovery runs once")

	fixed := NewLangChainEmbedder(lc, 8)
	assert.Equal(t, 8, fixed.GetDimension())
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// answer out of order to check index sorting
		data := []map[string]any{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 1, 0},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Dimension: 3})
	vectors, err := emb.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0, 1, 0}, vectors[0])
	assert.Equal(t, []float32{1, 1, 0}, vectors[1])

	wrong := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Dimension: 4})
	_, err = wrong.EmbedDocument(context.Background(), "a")
	assert.True(t, IsInvalidDimension(err))
}

func TestFilterMatches(t *testing.T) {
	c := &Chunk{Kind: KindConfig, DocumentID: "d", Tags: []string{"yaml", "docker"}, Metadata: map[string]string{"section": "deploy"}}

	assert.True(t, Filter{}.Matches(c))
	assert.True(t, Filter{Kinds: []ChunkKind{KindCode, KindConfig}, Tags: []string{"docker"}}.Matches(c))
	assert.False(t, Filter{Kinds: []ChunkKind{KindCode}}.Matches(c))
	assert.False(t, Filter{Tags: []string{"docker", "k8s"}}.Matches(c))
	assert.False(t, Filter{DocumentID: "other"}.Matches(c))
	assert.True(t, Filter{Metadata: map[string]string{"section": "deploy"}}.Matches(c))
	assert.False(t, Filter{Metadata: map[string]string{"section": "build"}}.Matches(c))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))

	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}
