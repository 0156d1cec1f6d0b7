package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/ragbuild/store"
)

// RedisReportStore implements store.ReportStore using Redis
type RedisReportStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ store.ReportStore = (*RedisReportStore)(nil)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "ragbuild:report:"
	TTL      time.Duration // Expiration for run reports, default 0 (no expiration)
}

// NewRedisReportStore creates a new Redis report store
func NewRedisReportStore(opts RedisOptions) *RedisReportStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisReportStoreWithClient(client, opts.Prefix, opts.TTL)
}

// NewRedisReportStoreWithClient creates a store over an existing client
func NewRedisReportStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisReportStore {
	if prefix == "" {
		prefix = "ragbuild:report:"
	}
	return &RedisReportStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisReportStore) entriesKey(runID string) string {
	return fmt.Sprintf("%srun:%s:entries", s.prefix, runID)
}

func (s *RedisReportStore) seqKey(runID string) string {
	return fmt.Sprintf("%srun:%s:seq", s.prefix, runID)
}

func (s *RedisReportStore) runsKey() string {
	return s.prefix + "runs"
}

// Append implements store.ReportStore
func (s *RedisReportStore) Append(ctx context.Context, entry *store.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	seq, err := s.client.Incr(ctx, s.seqKey(entry.RunID)).Result()
	if err != nil {
		return fmt.Errorf("failed to assign sequence: %w", err)
	}

	e := *entry
	e.Seq = seq
	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to marshal report entry: %w", err)
	}

	// entries may land out of order under concurrent appends; Load sorts
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.entriesKey(entry.RunID), data)
	pipe.SAdd(ctx, s.runsKey(), entry.RunID)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.entriesKey(entry.RunID), s.ttl)
		pipe.Expire(ctx, s.seqKey(entry.RunID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append report entry to redis: %w", err)
	}
	entry.Seq = seq
	return nil
}

// Load implements store.ReportStore
func (s *RedisReportStore) Load(ctx context.Context, runID string) ([]store.Entry, error) {
	raw, err := s.client.LRange(ctx, s.entriesKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load report from redis: %w", err)
	}
	if len(raw) == 0 {
		return nil, store.ErrRunNotFound
	}

	entries := make([]store.Entry, 0, len(raw))
	for _, r := range raw {
		var e store.Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report entry: %w", err)
		}
		entries = append(entries, e)
	}
	slices.SortStableFunc(entries, func(a, b store.Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return entries, nil
}

// Runs implements store.ReportStore. Runs whose entries expired are
// dropped from the index.
func (s *RedisReportStore) Runs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.runsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	live := ids[:0]
	var stale []any
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.entriesKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		if n == 0 {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.runsKey(), stale...).Err()
	}
	slices.Sort(live)
	return live, nil
}

// Close closes the client
func (s *RedisReportStore) Close() error {
	return s.client.Close()
}
