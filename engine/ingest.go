package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/smallnest/ragbuild/document"
	"github.com/smallnest/ragbuild/generate"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/loader"
	"golang.org/x/sync/errgroup"
)

// IngestResult summarizes one ingestion.
type IngestResult struct {
	DocumentID string
	// Revision is the short fingerprint of the ingested document, references
	// included.
	Revision   string
	Generation int
	Chunks     int
	// Replaced is the number of chunks of the previous generation removed
	// from the index.
	Replaced int
	// Invalidated is the number of cache entries generated from an earlier
	// revision of the document or depending on the replaced chunks.
	Invalidated int
	// Unchanged is set when the document matched its last ingestion and
	// nothing was re-embedded.
	Unchanged bool
	Duration  time.Duration
}

type ingestion struct {
	fingerprint string
	generation  int
	ids         []string
	// retired is set once cache entries of other revisions were invalidated
	retired bool
}

// withReferences returns doc with the text of its references merged into
// its content. Relative paths resolve against the document's directory.
func withReferences(ctx context.Context, doc *document.Document) (*document.Document, error) {
	if len(doc.References) == 0 {
		return doc, nil
	}
	base := "."
	if doc.Source != "" {
		base = filepath.Dir(doc.Source)
	}
	loaders := make([]loader.Loader, 0, len(doc.References))
	for _, ref := range doc.References {
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		loaders = append(loaders, loader.NewTextLoader(path, loader.WithTitle(ref)))
	}
	refs, err := loader.LoadAll(ctx, loaders...)
	if err != nil {
		return nil, err
	}
	return loader.Merge(doc, refs), nil
}

// Ingest chunks doc and its references, embeds the chunks and stores them
// in the index. The chunks of an earlier ingestion of the same document are
// removed once the new generation is stored. Cached content generated from
// any other revision of the document is invalidated, including entries a
// previous process left in a persistent cache. A document identical to its
// last ingestion, references included, is not re-ingested.
func (e *Engine) Ingest(ctx context.Context, doc *document.Document) (*IngestResult, error) {
	return e.ingest(ctx, doc, true)
}

// ingest implements Ingest. With retire unset the cache is left alone.
func (e *Engine) ingest(ctx context.Context, doc *document.Document, retire bool) (*IngestResult, error) {
	start := time.Now()
	docID := doc.DisplayName()
	doc, err := withReferences(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("load references of %s: %w", docID, err)
	}
	fp := doc.Fingerprint()
	rev := doc.Revision()
	e.mu.Lock()
	last, seen := e.ingested[docID]
	e.mu.Unlock()
	if seen && last.fingerprint == fp {
		e.logger.Debug("ingest %s: unchanged since generation %d", docID, last.generation)
		res := &IngestResult{
			DocumentID: docID,
			Revision:   rev,
			Generation: last.generation,
			Chunks:     len(last.ids),
			Unchanged:  true,
		}
		if retire && !last.retired {
			res.Invalidated = e.retire(ctx, docID, rev, nil)
			e.mu.Lock()
			if cur, ok := e.ingested[docID]; ok && cur.fingerprint == fp {
				cur.retired = true
				e.ingested[docID] = cur
			}
			e.mu.Unlock()
		}
		res.Duration = time.Since(start)
		return res, nil
	}

	chunks, err := e.chunker.Chunk(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", doc.DisplayName(), err)
	}
	if err := e.embed(ctx, chunks); err != nil {
		return nil, err
	}
	for _, ch := range chunks {
		if err := e.index.Store(ctx, ch); err != nil {
			return nil, fmt.Errorf("store chunk %s: %w", ch.ID, err)
		}
	}

	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	gen := e.chunker.Generation(docID)
	e.mu.Lock()
	previous := e.ingested[docID].ids
	e.ingested[docID] = ingestion{fingerprint: fp, generation: gen, ids: ids, retired: retire}
	e.mu.Unlock()

	res := &IngestResult{
		DocumentID: docID,
		Revision:   rev,
		Generation: gen,
		Chunks:     len(chunks),
		Replaced:   len(previous),
	}
	if len(previous) > 0 {
		if err := e.index.Delete(ctx, previous...); err != nil {
			return nil, fmt.Errorf("remove previous generation of %s: %w", docID, err)
		}
	}
	if retire {
		res.Invalidated = e.retire(ctx, docID, rev, previous)
	}
	res.Duration = time.Since(start)
	e.logger.Info("ingested %s revision %s generation %d: %d chunks (%d replaced, %d cache entries invalidated) in %v",
		docID, rev, res.Generation, res.Chunks, res.Replaced, res.Invalidated, res.Duration)
	return res, nil
}

// retire invalidates cached content generated from revisions of docID other
// than rev, and content depending on the previous chunk IDs. Failures are
// logged; a stale entry left behind is removed on the next ingestion.
func (e *Engine) retire(ctx context.Context, docID, rev string, previous []string) int {
	n, err := e.cache.InvalidateByTagExcept(ctx, generate.DocumentTag(docID), generate.RevisionTag(docID, rev))
	if err != nil {
		e.logger.Warn("ingest %s: invalidate cache entries of earlier revisions: %v", docID, err)
	}
	for _, id := range previous {
		m, err := e.cache.InvalidateByDependency(ctx, id)
		if err != nil {
			e.logger.Warn("ingest %s: invalidate cache entries of %s: %v", docID, id, err)
			continue
		}
		n += m
	}
	return n
}

// embed fills in the embedding of every chunk, batching requests and running
// up to embedding.concurrency batches at once.
func (e *Engine) embed(ctx context.Context, chunks []rag.Chunk) error {
	batch := max(e.cfg.Embedding.BatchSize, 1)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(e.cfg.Embedding.Concurrency, 1))

	for start := 0; start < len(chunks); start += batch {
		part := chunks[start:min(start+batch, len(chunks))]
		eg.Go(func() error {
			texts := make([]string, len(part))
			for i, ch := range part {
				texts[i] = ch.Content
			}
			vectors, err := e.embedder.EmbedDocuments(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed chunks %s..%s: %w", part[0].ID, part[len(part)-1].ID, err)
			}
			if len(vectors) != len(part) {
				return fmt.Errorf("embed chunks: got %d vectors for %d texts", len(vectors), len(part))
			}
			for i := range part {
				if err := rag.CheckDimension(vectors[i], e.index.Dimension()); err != nil {
					return fmt.Errorf("embed chunk %s: %w", part[i].ID, err)
				}
				part[i].Embedding = vectors[i]
			}
			return nil
		})
	}
	return eg.Wait()
}
