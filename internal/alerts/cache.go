package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "hazardmap:alerts:"

// Cache stores fetched messages per region.
type Cache interface {
	Get(ctx context.Context, region string) ([]Message, bool)
	Set(ctx context.Context, region string, messages []Message)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	store *cache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: cache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, region string) ([]Message, bool) {
	value, ok := m.store.Get(cacheKeyPrefix + region)
	if !ok {
		return nil, false
	}
	return value.([]Message), true
}

func (m *MemoryCache) Set(_ context.Context, region string, messages []Message) {
	m.store.SetDefault(cacheKeyPrefix+region, messages)
}

// RedisCache shares fetched messages between API instances. Redis failures
// degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, region string) ([]Message, bool) {
	raw, err := r.client.Get(ctx, cacheKeyPrefix+region).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("alert cache read failed", zap.String("region", region), zap.Error(err))
		}
		return nil, false
	}
	var messages []Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		r.logger.Warn("alert cache entry unreadable", zap.String("region", region), zap.Error(err))
		return nil, false
	}
	return messages, true
}

func (r *RedisCache) Set(ctx context.Context, region string, messages []Message) {
	raw, err := json.Marshal(messages)
	if err != nil {
		r.logger.Warn("alert cache encode failed", zap.String("region", region), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, cacheKeyPrefix+region, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("alert cache write failed", zap.String("region", region), zap.Error(err))
	}
}

// CachedSource serves repeated region lookups from a Cache. Hits are
// trimmed to the recency window again since entries age while cached.
type CachedSource struct {
	inner   Source
	cache   Cache
	metrics *observability.Metrics
	clock   clockwork.Clock
}

func NewCachedSource(inner Source, store Cache, metrics *observability.Metrics, clock clockwork.Clock) *CachedSource {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CachedSource{inner: inner, cache: store, metrics: metrics, clock: clock}
}

func (c *CachedSource) Recent(ctx context.Context, region string) ([]Message, error) {
	if messages, ok := c.cache.Get(ctx, region); ok {
		c.metrics.AlertCache.WithLabelValues("hit").Inc()
		return withinWindow(messages, c.clock.Now()), nil
	}
	c.metrics.AlertCache.WithLabelValues("miss").Inc()

	messages, err := c.inner.Recent(ctx, region)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, region, messages)
	return messages, nil
}

// withinWindow drops messages older than RecencyWindow, keeping order.
func withinWindow(messages []Message, now time.Time) []Message {
	threshold := now.Add(-RecencyWindow)
	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		if !message.CreatedAt.Before(threshold) {
			out = append(out, message)
		}
	}
	return out
}
