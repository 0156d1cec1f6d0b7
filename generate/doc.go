// Package generate produces file content for generation steps.
//
// A Generator turns an assembled context payload and step instructions into
// content. Providers are available for langchaingo models
// (LangChainGenerator), OpenAI-compatible chat endpoints (OpenAIGenerator)
// and offline use (StubGenerator).
//
// Client wraps a Generator with a RateLimiter and bounded exponential
// retries. Provider failures are classified by Classify into
// *RateLimitError, *ProviderError and *ValidationError; only rate limits,
// 5xx responses and transport failures are retried.
//
// Pipeline ties generation to the rest of the build. It implements
// executor.ContentGenerator:
//
//	pipeline := generate.NewPipeline(retriever, generate.NewClient(gen),
//		generate.WithCache(c),
//		generate.WithBudget(assembler.Budget{MaxTokens: 4000}),
//	)
//	runner := executor.NewOSRunner(workDir, executor.WithGenerator(pipeline))
//
// Each request is first looked up in the cache by step and instructions,
// then by similar instructions. On a miss the pipeline retrieves context,
// assembles it within the budget, generates, and stores the result tagged
// with the step, its kind and its output path. The entry depends on the
// chunks it was generated from, so invalidating a chunk invalidates it.
package generate
