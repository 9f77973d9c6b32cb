package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syx0310/claude-relay-service/internal/pkg/apicompat"
	"github.com/syx0310/claude-relay-service/internal/pkg/logger"
)

// RecordUsageInput carries one request's final token tallies.
type RecordUsageInput struct {
	APIKeyID            string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Model               string
	AccountID           string
	AccountType         string
}

// UpdateCountersInput feeds the windowed rate-limit counters.
type UpdateCountersInput struct {
	RateLimit   RateLimitSnapshot
	Usage       apicompat.ClaudeUsage
	Model       string
	APIKeyID    string
	AccountType string
}

// UsageSink persists usage tallies and rate-limit counters. Implementations
// own their storage; the gateway only hands off numbers.
type UsageSink interface {
	RecordUsage(ctx context.Context, in RecordUsageInput) error
	UpdateCounters(ctx context.Context, in UpdateCountersInput) error
}

// ---------------------------------------------------------------------------
// Redis-backed sink
// ---------------------------------------------------------------------------

const usageKeyTTL = 90 * 24 * time.Hour

// RedisUsageSink accumulates per-key, per-model daily counters in Redis
// hashes.
type RedisUsageSink struct {
	rdb *redis.Client
}

// NewRedisUsageSink wraps an existing Redis client.
func NewRedisUsageSink(rdb *redis.Client) *RedisUsageSink {
	return &RedisUsageSink{rdb: rdb}
}

func (s *RedisUsageSink) RecordUsage(ctx context.Context, in RecordUsageInput) error {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("usage:apikey:%s:%s", in.APIKeyID, day)
	modelKey := fmt.Sprintf("usage:model:%s:%s", in.Model, day)

	pipe := s.rdb.Pipeline()
	for _, k := range []string{key, modelKey} {
		pipe.HIncrBy(ctx, k, "input_tokens", int64(in.InputTokens))
		pipe.HIncrBy(ctx, k, "output_tokens", int64(in.OutputTokens))
		pipe.HIncrBy(ctx, k, "cache_creation_input_tokens", int64(in.CacheCreationTokens))
		pipe.HIncrBy(ctx, k, "cache_read_input_tokens", int64(in.CacheReadTokens))
		pipe.HIncrBy(ctx, k, "requests", 1)
		pipe.Expire(ctx, k, usageKeyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisUsageSink) UpdateCounters(ctx context.Context, in UpdateCountersInput) error {
	key := fmt.Sprintf("ratelimit:apikey:%s", in.APIKeyID)
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "total_input_tokens", int64(in.Usage.InputTokens))
	pipe.HIncrBy(ctx, key, "total_output_tokens", int64(in.Usage.OutputTokens))
	pipe.HIncrBy(ctx, key, "total_requests", 1)
	if !in.RateLimit.Empty() {
		pipe.HSet(ctx, key,
			"primary_used_percent", in.RateLimit.PrimaryUsedPercent,
			"primary_reset_after_seconds", in.RateLimit.PrimaryResetAfterSeconds,
			"secondary_used_percent", in.RateLimit.SecondaryUsedPercent,
		)
	}
	pipe.Expire(ctx, key, usageKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ---------------------------------------------------------------------------
// No-op sink
// ---------------------------------------------------------------------------

// NoopUsageSink is used when no Redis backend is configured; tallies are
// only logged.
type NoopUsageSink struct{}

func (NoopUsageSink) RecordUsage(ctx context.Context, in RecordUsageInput) error {
	logger.L().Debug("usage.record",
		zap.String("api_key_id", in.APIKeyID),
		zap.String("model", in.Model),
		zap.Int("input_tokens", in.InputTokens),
		zap.Int("output_tokens", in.OutputTokens),
		zap.Int("cache_read_input_tokens", in.CacheReadTokens),
	)
	return nil
}

func (NoopUsageSink) UpdateCounters(ctx context.Context, in UpdateCountersInput) error {
	return nil
}

// ---------------------------------------------------------------------------
// Worker pool
// ---------------------------------------------------------------------------

// UsageRecordTask is one asynchronous sink write.
type UsageRecordTask func(ctx context.Context)

// UsageRecordWorkerPool runs sink writes off the request path so slow
// storage never delays responses.
type UsageRecordWorkerPool struct {
	pool        pond.Pool
	taskTimeout time.Duration
}

// NewUsageRecordWorkerPool builds a bounded pool.
func NewUsageRecordWorkerPool(maxWorkers int) *UsageRecordWorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &UsageRecordWorkerPool{
		pool:        pond.NewPool(maxWorkers),
		taskTimeout: 10 * time.Second,
	}
}

// Submit enqueues a task; it runs with its own bounded context.
func (p *UsageRecordWorkerPool) Submit(task UsageRecordTask) {
	if task == nil {
		return
	}
	p.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
		defer cancel()
		task(ctx)
	})
}

// Stop drains pending tasks and shuts the pool down.
func (p *UsageRecordWorkerPool) Stop() {
	p.pool.StopAndWait()
}
