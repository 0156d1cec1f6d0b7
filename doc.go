// Package ragbuild runs build documents: declarative lists of build steps
// whose generated content is grounded in the document's own prose through
// retrieval-augmented generation.
//
// # Overview
//
// A build document (YAML, JSON, TOML, HCL, Markdown or HTML) declares steps
// such as run-command, write-file or install-dependency, their dependencies,
// conditions, retry budgets and rollback steps. ragbuild
//
//  1. parses the document and builds a validated dependency graph,
//  2. chunks and embeds the document's prose and referenced files,
//  3. runs the steps level by level on a bounded worker pool,
//  4. asks a language model for the content of steps that carry a prompt,
//     given the chunks most relevant to that prompt, and
//  5. rolls back completed work when a critical step fails.
//
// Generated content is cached by exact key and by semantic similarity, every
// run is recorded in an append-only report store and the outputs are
// assembled into an artifact directory with a manifest and a report.
//
// # Quick Start
//
//	go install github.com/smallnest/ragbuild/cmd/ragbuild@latest
//	ragbuild plan webapp.yaml
//	ragbuild build webapp.yaml -o out
//
// Programmatic use:
//
//	cfg := config.Default()
//	eng, err := engine.New(ctx, cfg, engine.Deps{})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//	res, err := eng.Build(ctx, "webapp.yaml", "out", nil)
//
// # Packages
//
//   - document: build document model and decoders
//   - graph: step types, graph builder and plan rendering
//   - executor: step state machine, retries, conditions and rollback
//   - rag: chunking, vector index, retrieval and context assembly
//   - cache: exact and semantic cache with memory and redis backends
//   - generate: providers, rate limiting and the generation pipeline
//   - artifact: output collection, manifest and report
//   - store: report persistence (file, sqlite, postgres, redis)
//   - config, engine, cli: configuration, wiring and the command line
//   - log: leveled logging backed by golog
package ragbuild
