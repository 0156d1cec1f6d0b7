// Package assembler merges retrieval results into a size-bounded context
// payload for the generation capability.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallnest/ragbuild/rag"
)

// Budget bounds the assembled text. A zero field is unbounded.
type Budget struct {
	MaxTokens int
	MaxBytes  int
}

// ManifestEntry records one included unit for provenance.
type ManifestEntry struct {
	ChunkID string        `json:"chunk_id"`
	Kind    rag.ChunkKind `json:"kind"`
	Section string        `json:"section,omitempty"`
	Score   float64       `json:"score"`
	Tokens  int           `json:"tokens"`
}

// ContextPayload is the assembled prompt context.
type ContextPayload struct {
	Text     string          `json:"text"`
	Manifest []ManifestEntry `json:"manifest"`
	Omitted  []string        `json:"omitted,omitempty"`
	Tokens   int             `json:"tokens"`
	Bytes    int             `json:"bytes"`
	Budget   Budget          `json:"budget"`
}

// ChunkIDs returns the IDs of the included units in inclusion order.
func (p *ContextPayload) ChunkIDs() []string {
	ids := make([]string, len(p.Manifest))
	for i, m := range p.Manifest {
		ids[i] = m.ChunkID
	}
	return ids
}

// Empty reports whether no unit was included.
func (p *ContextPayload) Empty() bool {
	return p == nil || len(p.Manifest) == 0
}

// Assemble greedily includes whole units in descending score order while
// they fit the budget. Units that do not fit are skipped, never truncated,
// and a smaller unit further down may still fit. Repeated chunk IDs keep
// their best score.
func Assemble(results []rag.RetrievalResult, budget Budget) *ContextPayload {
	best := make(map[string]rag.RetrievalResult, len(results))
	for _, r := range results {
		if prev, ok := best[r.Chunk.ID]; !ok || r.Score > prev.Score {
			best[r.Chunk.ID] = r
		}
	}
	unique := make([]rag.RetrievalResult, 0, len(best))
	for _, r := range best {
		unique = append(unique, r)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].Score != unique[j].Score {
			return unique[i].Score > unique[j].Score
		}
		return unique[i].Chunk.ID < unique[j].Chunk.ID
	})

	payload := &ContextPayload{Budget: budget}
	var b strings.Builder
	for _, r := range unique {
		block := formatBlock(len(payload.Manifest)+1, r)
		tokens := rag.EstimateTokens(block)
		if budget.MaxTokens > 0 && payload.Tokens+tokens > budget.MaxTokens ||
			budget.MaxBytes > 0 && payload.Bytes+len(block) > budget.MaxBytes {
			payload.Omitted = append(payload.Omitted, r.Chunk.ID)
			continue
		}
		b.WriteString(block)
		payload.Tokens += tokens
		payload.Bytes += len(block)
		payload.Manifest = append(payload.Manifest, ManifestEntry{
			ChunkID: r.Chunk.ID,
			Kind:    r.Chunk.Kind,
			Section: r.Chunk.Section,
			Score:   r.Score,
			Tokens:  tokens,
		})
	}
	payload.Text = b.String()
	return payload
}

func formatBlock(n int, r rag.RetrievalResult) string {
	header := fmt.Sprintf("[%d] %s (%s, score %.2f)", n, r.Chunk.ID, r.Chunk.Kind, r.Score)
	if r.Chunk.Section != "" {
		header += " " + r.Chunk.Section
	}
	return header + "\n" + r.Chunk.Content + "\n\n"
}
