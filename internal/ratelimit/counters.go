package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
)

// PostgresCounter keeps one row per (scope, scope_key, operation_kind) in
// rate_limit_counters. The increment is a single upsert, so concurrent
// callers never lose updates. A caller whose clock lags behind the stored
// window counts against that window instead of resetting it.
type PostgresCounter struct {
	db database.Querier
}

// NewPostgresCounter creates a counter backed by rate_limit_counters.
func NewPostgresCounter(db database.Querier) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// Increment implements Counter.
func (c *PostgresCounter) Increment(ctx context.Context, key Key, windowStart time.Time, _ time.Duration) (int, error) {
	query := `
		INSERT INTO rate_limit_counters (scope, scope_key, operation_kind, window_start, count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (scope, scope_key, operation_kind) DO UPDATE
		SET count = CASE
		        WHEN rate_limit_counters.window_start >= EXCLUDED.window_start
		        THEN rate_limit_counters.count + 1
		        ELSE 1
		    END,
		    window_start = GREATEST(rate_limit_counters.window_start, EXCLUDED.window_start)
		RETURNING count
	`

	var count int
	err := c.db.QueryRow(ctx, query, string(key.Scope), key.ScopeKey, key.OperationKind, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert rate limit counter: %w", err)
	}
	return count, nil
}

// RedisCounter keys counters by window so stale windows expire on their own.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a counter backed by Redis INCR.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment implements Counter.
func (c *RedisCounter) Increment(ctx context.Context, key Key, windowStart time.Time, window time.Duration) (int, error) {
	redisKey := fmt.Sprintf("rl:%s:%s:%s:%d", key.Scope, key.OperationKind, key.ScopeKey, windowStart.Unix())

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireAt(ctx, redisKey, windowStart.Add(window+time.Minute))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment redis counter: %w", err)
	}
	return int(incr.Val()), nil
}

// MemoryCounter is an in-process counter for development and tests.
type MemoryCounter struct {
	mu       sync.Mutex
	counters map[Key]memoryCount
}

type memoryCount struct {
	windowStart time.Time
	count       int
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: make(map[Key]memoryCount)}
}

// Increment implements Counter.
func (c *MemoryCounter) Increment(_ context.Context, key Key, windowStart time.Time, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.counters[key]
	if cur.windowStart.Before(windowStart) {
		cur = memoryCount{windowStart: windowStart}
	}
	cur.count++
	c.counters[key] = cur
	return cur.count, nil
}
