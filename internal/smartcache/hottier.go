package smartcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/store"
)

// HotTier is a TTL cache in front of the PeriodStore. Misses and failures
// fall through to the store; they are never surfaced to callers.
type HotTier interface {
	Get(ctx context.Context, key store.Key) (domain.Snapshot, bool)
	Set(ctx context.Context, snap domain.Snapshot, ttl time.Duration)
	Delete(ctx context.Context, key store.Key)
}

// RedisHotTier keeps snapshots as JSON strings with a TTL.
type RedisHotTier struct {
	client *redis.Client
	prefix string
}

// NewRedisHotTier creates a hot tier under the "adperf:snap:" prefix.
func NewRedisHotTier(client *redis.Client) *RedisHotTier {
	return &RedisHotTier{client: client, prefix: "adperf:snap:"}
}

func (h *RedisHotTier) redisKey(k store.Key) string {
	return h.prefix + k.String()
}

func (h *RedisHotTier) Get(ctx context.Context, key store.Key) (domain.Snapshot, bool) {
	raw, err := h.client.Get(ctx, h.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("hot tier read failed", "key", key.String(), "error", err)
		}
		return domain.Snapshot{}, false
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Warn("hot tier entry corrupt", "key", key.String(), "error", err)
		return domain.Snapshot{}, false
	}
	return snap, true
}

func (h *RedisHotTier) Set(ctx context.Context, snap domain.Snapshot, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := h.client.Set(ctx, h.redisKey(store.KeyOf(snap)), raw, ttl).Err(); err != nil {
		logger.Warn("hot tier write failed", "key", store.KeyOf(snap).String(), "error", err)
	}
}

func (h *RedisHotTier) Delete(ctx context.Context, key store.Key) {
	if err := h.client.Del(ctx, h.redisKey(key)).Err(); err != nil {
		logger.Warn("hot tier delete failed", "key", key.String(), "error", err)
	}
}
