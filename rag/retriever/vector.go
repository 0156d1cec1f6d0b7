package retriever

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
)

// HardMaxK caps how many results any single query may request.
const HardMaxK = 10

// Config holds retriever defaults.
type Config struct {
	MinK           int
	MaxK           int
	ScoreThreshold float64
	Deadline       time.Duration
}

// Options tune one Retrieve call. Zero values fall back to Config.
type Options struct {
	// K requests an exact result count; 0 selects k from the query shape.
	K         int
	Threshold float64
	Filter    rag.Filter
	Deadline  time.Duration
}

// VectorRetriever embeds a query and searches a vector index.
type VectorRetriever struct {
	index    rag.VectorIndex
	embedder rag.Embedder
	config   Config
	logger   log.Logger
}

// NewVectorRetriever creates a new vector retriever
func NewVectorRetriever(index rag.VectorIndex, embedder rag.Embedder, config Config, logger log.Logger) *VectorRetriever {
	if config.MinK <= 0 {
		config.MinK = 2
	}
	if config.MaxK <= 0 || config.MaxK > HardMaxK {
		config.MaxK = HardMaxK
	}
	if config.MinK > config.MaxK {
		config.MinK = config.MaxK
	}
	if config.ScoreThreshold == 0 {
		config.ScoreThreshold = 0.5
	}
	if config.Deadline <= 0 {
		config.Deadline = 5 * time.Second
	}
	return &VectorRetriever{
		index:    index,
		embedder: embedder,
		config:   config,
		logger:   log.OrDefault(logger),
	}
}

// Retrieve returns chunks similar to query. An embedding failure is
// recoverable: it is logged and yields no results. A dimension mismatch
// between embedder and index is returned as an error.
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]rag.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, rag.ErrEmptyQuery
	}

	k := opts.K
	if k <= 0 {
		k = r.AdaptiveK(query)
	}
	k = min(k, HardMaxK)
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = r.config.ScoreThreshold
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = r.config.Deadline
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	queryEmbedding, err := r.embedder.EmbedDocument(callCtx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("retrieval: embedding failed, continuing without context: %v", err)
		return []rag.RetrievalResult{}, nil
	}
	if err := rag.CheckDimension(queryEmbedding, r.index.Dimension()); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	results, err := r.index.Search(callCtx, queryEmbedding, k, threshold, opts.Filter)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			r.logger.Warn("retrieval: search exceeded %s deadline", deadline)
			return []rag.RetrievalResult{}, nil
		default:
			return nil, fmt.Errorf("retrieval: %w", err)
		}
	}

	// the index contract already guarantees this, but results may come from
	// a remote index we do not control
	filtered := results[:0]
	for _, res := range results {
		if res.Score >= threshold {
			res.Explanation = explain(query, res)
			filtered = append(filtered, res)
		}
	}
	if len(filtered) > k {
		filtered = filtered[:k]
	}

	r.logger.Debug("retrieval: %d/%d results for k=%d threshold=%.2f", len(filtered), len(results), k, threshold)
	return filtered, nil
}

var clauseMarkers = []string{" and ", ",", ";", " with ", " plus ", " then ", " including "}

// AdaptiveK maps query breadth to a result count in [MinK, MaxK]. Short,
// single-clause queries get MinK; each extra clause or eight words add one.
func (r *VectorRetriever) AdaptiveK(query string) int {
	lower := strings.ToLower(query)
	words := len(strings.Fields(lower))
	clauses := 0
	for _, m := range clauseMarkers {
		clauses += strings.Count(lower, m)
	}
	k := r.config.MinK + clauses + words/8
	return max(r.config.MinK, min(k, r.config.MaxK))
}

func explain(query string, res rag.RetrievalResult) string {
	content := strings.ToLower(res.Chunk.Content)
	var shared []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 3 || slices.Contains(shared, w) {
			continue
		}
		if strings.Contains(content, w) {
			shared = append(shared, w)
		}
	}
	msg := fmt.Sprintf("%s chunk, score %.3f", res.Chunk.Kind, res.Score)
	if res.Chunk.Section != "" {
		msg += fmt.Sprintf(", section %q", res.Chunk.Section)
	}
	if len(shared) > 0 {
		msg += ", shared terms: " + strings.Join(shared, " ")
	}
	return msg
}
