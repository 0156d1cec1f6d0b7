// Package cache implements a semantic cache for generation results.
//
// Entries are looked up by exact key first. When a fallback query is given
// and the key misses, the query is embedded and the closest cached query is
// served if its cosine score is strictly above the semantic threshold.
// Entries carry tags and dependency tags so callers can invalidate whole
// groups, for example every result built from a chunk that changed:
//
//	c := cache.New(embedder, cache.WithBackend(cache.NewRedisBackend(cache.RedisOptions{Addr: addr})))
//	if err := c.Load(ctx); err != nil {
//		return err
//	}
//	value, hit, err := c.Get(ctx, key, instructions)
//	...
//	n, err := c.InvalidateByDependency(ctx, "doc#3f9a1c07be42.g2-14")
package cache
