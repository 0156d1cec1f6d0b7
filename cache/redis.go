package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries as JSON strings with native expiry, plus a
// set of known keys so List does not need SCAN.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "ragbuild:cache:"
}

// NewRedisBackend creates a new Redis backend
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisBackendWithClient(client, opts.Prefix)
}

// NewRedisBackendWithClient wraps an existing client
func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "ragbuild:cache:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) entryKey(key string) string {
	return fmt.Sprintf("%sentry:%s", b.prefix, key)
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "keys"
}

// Get retrieves an entry by key
func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load cache entry from redis: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

// Put stores an entry, expiring it natively at ExpiresAt
func (b *RedisBackend) Put(ctx context.Context, entry *Entry) error {
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return b.Delete(ctx, entry.Key)
		}
		ttl = max(ttl, time.Millisecond)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.entryKey(entry.Key), data, ttl)
	pipe.SAdd(ctx, b.indexKey(), entry.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save cache entry to redis: %w", err)
	}
	return nil
}

// Delete removes entries
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	members := make([]any, len(keys))
	for i, k := range keys {
		pipe.Del(ctx, b.entryKey(k))
		members[i] = k
	}
	pipe.SRem(ctx, b.indexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

// List returns all live entries ordered by key. Index members whose entry
// expired in redis are pruned.
func (b *RedisBackend) List(ctx context.Context) ([]*Entry, error) {
	keys, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	if len(keys) == 0 {
		return []*Entry{}, nil
	}
	sort.Strings(keys)

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = b.entryKey(k)
	}
	// MGet returns nil for keys that expired
	results, err := b.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cache entries: %w", err)
	}

	var (
		entries []*Entry
		stale   []any
	)
	for i, result := range results {
		raw, ok := result.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cache entry %s: %w", keys[i], err)
		}
		entries = append(entries, &entry)
	}
	if len(stale) > 0 {
		if err := b.client.SRem(ctx, b.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune cache index: %w", err)
		}
	}
	return entries, nil
}

// Close closes the client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
