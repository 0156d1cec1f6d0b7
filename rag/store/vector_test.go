package store

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/smallnest/ragbuild/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(id string, kind rag.ChunkKind, v ...float32) rag.Chunk {
	return rag.Chunk{ID: id, Kind: kind, Content: id, Embedding: v}
}

func TestMemoryIndex(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)

	require.NoError(t, idx.Store(ctx, chunk("a", rag.KindCode, 1, 0, 0)))
	require.NoError(t, idx.Store(ctx, chunk("b", rag.KindDoc, 0, 1, 0)))
	require.NoError(t, idx.Store(ctx, chunk("c", rag.KindConfig, 0.9, 0.1, 0)))

	t.Run("Search sorted and thresholded", func(t *testing.T) {
		results, err := idx.Search(ctx, []float32{1, 0.05, 0}, 10, 0.5, rag.Filter{})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "a", results[0].Chunk.ID)
		assert.Equal(t, "c", results[1].Chunk.ID)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	})

	t.Run("k bounds results", func(t *testing.T) {
		results, err := idx.Search(ctx, []float32{1, 1, 0}, 1, 0, rag.Filter{})
		require.NoError(t, err)
		assert.Len(t, results, 1)

		results, err = idx.Search(ctx, []float32{1, 1, 0}, 0, 0, rag.Filter{})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("filter", func(t *testing.T) {
		results, err := idx.Search(ctx, []float32{1, 0, 0}, 10, 0, rag.Filter{Kinds: []rag.ChunkKind{rag.KindConfig}})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "c", results[0].Chunk.ID)
	})

	t.Run("store is idempotent on id", func(t *testing.T) {
		require.NoError(t, idx.Store(ctx, chunk("b", rag.KindDoc, 0, 0, 1)))
		assert.Equal(t, 3, idx.Len())
		got, ok := idx.Get("b")
		require.True(t, ok)
		assert.Equal(t, []float32{0, 0, 1}, got.Embedding)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, idx.Delete(ctx, "b", "missing"))
		assert.Equal(t, 2, idx.Len())
		_, ok := idx.Get("b")
		assert.False(t, ok)
	})

	t.Run("stats", func(t *testing.T) {
		st := idx.GetStats()
		assert.Equal(t, 2, st.Total)
		assert.Equal(t, 1, st.ByKind[rag.KindCode])
		assert.Equal(t, 3, st.Dimension)
	})
}

func TestMemoryIndexInvalidDimension(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)

	err := idx.Store(ctx, chunk("a", rag.KindCode, 1, 0))
	var dimErr *rag.InvalidDimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 5, 0, rag.Filter{})
	assert.True(t, rag.IsInvalidDimension(err))
}

func TestMemoryIndexRejectsNonFiniteVectors(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Store(ctx, chunk("good", rag.KindDoc, 1, 0)))

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	err := idx.Store(ctx, chunk("bad", rag.KindDoc, nan, 1))
	var nonFinite *rag.NonFiniteVectorError
	require.ErrorAs(t, err, &nonFinite)
	assert.Equal(t, 0, nonFinite.Index)
	assert.False(t, rag.IsInvalidDimension(err))
	assert.True(t, rag.IsInvalidVector(err))

	err = idx.Store(ctx, chunk("worse", rag.KindDoc, 1, inf))
	require.ErrorAs(t, err, &nonFinite)
	assert.Equal(t, 1, nonFinite.Index)
	assert.Equal(t, 1, idx.Len())

	_, err = idx.Search(ctx, []float32{nan, 0}, 5, 0, rag.Filter{})
	assert.True(t, rag.IsInvalidVector(err))

	results, err := idx.Search(ctx, []float32{1, 0}, 5, 0.9, rag.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].Chunk.ID)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.9)
	}
}

func TestMemoryIndexTiesPreferNewest(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Store(ctx, chunk("old", rag.KindDoc, 1, 0)))
	require.NoError(t, idx.Store(ctx, chunk("new", rag.KindDoc, 1, 0)))

	results, err := idx.Search(ctx, []float32{1, 0}, 2, 0, rag.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].Chunk.ID)
	assert.Equal(t, "old", results[1].Chunk.ID)

	// re-storing moves a chunk to the front of its tie group
	require.NoError(t, idx.Store(ctx, chunk("old", rag.KindDoc, 1, 0)))
	results, err = idx.Search(ctx, []float32{1, 0}, 2, 0, rag.Filter{})
	require.NoError(t, err)
	assert.Equal(t, "old", results[0].Chunk.ID)
}

func TestMemoryIndexCancelled(t *testing.T) {
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Store(context.Background(), chunk("a", rag.KindDoc, 1, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Search(ctx, []float32{1, 0}, 1, 0, rag.Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryIndexSearchProperties(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	const dim = 8
	idx := NewMemoryIndex(dim)

	randVec := func() []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = r.Float32()*2 - 1
		}
		return v
	}
	for i := 0; i < 500; i++ {
		require.NoError(t, idx.Store(ctx, chunk(fmt.Sprintf("c%d", i), rag.KindDoc, randVec()...)))
	}

	for trial := 0; trial < 50; trial++ {
		threshold := r.Float64()*1.4 - 0.4
		k := 1 + r.Intn(20)
		results, err := idx.Search(ctx, randVec(), k, threshold, rag.Filter{})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(results), k)
		for i, res := range results {
			assert.GreaterOrEqual(t, res.Score, threshold)
			if i > 0 {
				assert.GreaterOrEqual(t, results[i-1].Score, res.Score)
			}
		}
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)

	a, err := e.EmbedDocument(ctx, "create the express server config")
	require.NoError(t, err)
	b, err := e.EmbedDocument(ctx, "Create the Express server configuration")
	require.NoError(t, err)
	c, err := e.EmbedDocument(ctx, "install postgres driver")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	again, _ := e.EmbedDocument(ctx, "create the express server config")
	assert.Equal(t, a, again)
	assert.Greater(t, rag.CosineSimilarity(a, b), rag.CosineSimilarity(a, c))

	vs, err := e.EmbedDocuments(ctx, []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, vs, 2)
	assert.Equal(t, 64, e.GetDimension())
}

func TestStaticEmbedder(t *testing.T) {
	ctx := context.Background()
	e := &StaticEmbedder{Dim: 2, Vectors: map[string][]float32{"q": {1, 0}}}

	v, err := e.EmbedDocument(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, v)

	_, err = e.EmbedDocuments(ctx, []string{"q", "unknown"})
	assert.Error(t, err)
}
