package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otakumori/petal-economy/internal/metrics"
)

var petalRateLimitScript = redis.NewScript(`
local burst = redis.call("INCR", KEYS[1])
if burst == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local second = redis.call("INCR", KEYS[2])
if second == 1 then
  redis.call("PEXPIRE", KEYS[2], 1000)
end
return {burst, second}
`)

// RedisLimiter разделяет счётчики между экземплярами сервиса через Redis.
// При недоступности Redis решение принимает локальный MemoryLimiter.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	cfg      Config
	fallback *MemoryLimiter
	logger   *zap.Logger
	now      func() time.Time
}

// NewRedisLimiter создаёт ограничитель поверх Redis с локальным запасным вариантом.
func NewRedisLimiter(client redis.UniversalClient, prefix string, cfg Config, fallback *MemoryLimiter, logger *zap.Logger) *RedisLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "petals:rate_limit"
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}

	return &RedisLimiter{
		client:   client,
		prefix:   trimmed,
		cfg:      cfg,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// IsRateLimited учитывает действие в Redis; при ошибке Redis использует локальные счётчики.
func (r *RedisLimiter) IsRateLimited(ctx context.Context, identity string) bool {
	burst, second, err := r.consume(ctx, identity)
	if err != nil {
		r.logger.Warn("redis rate limiter unavailable, using in-process limiter",
			zap.Error(err), zap.String("identity", identity))
		return r.fallback.IsRateLimited(ctx, identity)
	}

	limited := (r.cfg.BurstLimit > 0 && burst > r.cfg.BurstLimit) ||
		(r.cfg.SustainedPerSecond > 0 && second > r.cfg.SustainedPerSecond)
	if limited {
		metrics.RateLimited.WithLabelValues("redis").Inc()
	}
	return limited
}

func (r *RedisLimiter) consume(ctx context.Context, identity string) (int, int, error) {
	if r.client == nil {
		return 0, 0, fmt.Errorf("redis client not configured")
	}

	// Hash tag keeps both keys in one cluster slot.
	tag := "{" + identity + "}"
	keys := []string{
		r.prefix + ":window:" + tag,
		r.prefix + ":second:" + tag + ":" + strconv.FormatInt(r.now().Unix(), 10),
	}

	raw, err := petalRateLimitScript.Run(ctx, r.client, keys, r.cfg.Window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}

	burst, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	second, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[1])
	}

	return int(burst), int(second), nil
}
