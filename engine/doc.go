// Package engine wires ragbuild's components into the two operations the
// command line exposes: planning and building a document.
//
// # Components
//
// An Engine owns one vector index, one chunker, one semantic cache, one
// rate-limited generation client and one report store, all created from a
// config.Config. Components that talk to external services (embedders,
// generators, the cache backend, the report store) can be injected through
// Deps; everything else follows the configuration.
//
// # Ingestion
//
// Plan and Build ingest the document first. Ingestion is keyed by document
// name: an identical document is not re-embedded, a changed one replaces the
// previous generation of chunks and invalidates cached content that was
// generated from them.
//
// # Plan
//
// Plan validates the document, ingests it and assembles the context of every
// generation step without executing anything:
//
//	plan, err := eng.Plan(ctx, "webapp.yaml")
//	if err != nil {
//		return err
//	}
//	fmt.Print(plan.Text())
//
// # Build
//
// Build runs the document, persists every progress event to the report store
// and assembles the outputs:
//
//	res, err := eng.Build(ctx, "webapp.yaml", "out", events)
//
// A document that cannot be parsed or validated yields an
// *InvalidDocumentError, which the command line maps to exit code 2.
package engine
