// Package rag holds the retrieval types shared by ragbuild's ingestion and
// generation pipeline.
//
// A build document's prose is split into semantic units (chunks), embedded
// and stored in a vector index. Generation steps retrieve the chunks most
// similar to their instructions and assemble them, under a token budget,
// into the context given to the language model.
//
// # Core Types
//
//   - Chunk: a semantic unit with kind (code, config, doc, command), section
//     path, tags, complexity and the IDs of earlier chunks it refers to
//   - RetrievalResult: a chunk with its similarity score and an explanation
//   - Filter: restricts a search by document, kinds, tags or metadata
//   - Embedder and VectorIndex: the capabilities the pipeline depends on
//
// # Subpackages
//
//   - chunker: markdown-aware chunking with generation-scoped IDs
//   - splitter: word-based splitting of oversize units with overlap
//   - loader: reference files merged into a document before chunking
//   - store: the in-memory vector index and deterministic embedders
//   - retriever: adaptive-k semantic retrieval with deadlines
//   - assembler: budgeted, deduplicated context assembly with provenance
//
// # Embedders
//
// Provider embedders are adapted to Embedder:
//
//	llm, _ := openai.New()
//	lc, _ := embeddings.NewEmbedder(llm)
//	embedder := rag.NewLangChainEmbedder(lc, 1536)
//
// or, with go-openai directly:
//
//	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{APIKey: key})
//
// Every vector is checked against the index dimension; a mismatch is an
// *InvalidDimensionError and is never retried.
package rag
