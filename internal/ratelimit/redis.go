package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "kong-gateway:ratelimit:"

// incrementWithExpiryScript 原子地计数并在窗口内第一次计数时设置过期
// KEYS[1] = key
// ARGV[1] = 过期时间（毫秒）
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisLimiter 多个网关实例共享的固定窗口限流
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	logger config.Logger
	now    func() time.Time
}

// NewRedisLimiter 创建Redis限流器，每个窗口允许 rps*window 个请求
func NewRedisLimiter(cfg config.RedisConfig, rps float64, window time.Duration, logger config.Logger) *RedisLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisLimiterWithClient(client, cfg.Prefix, rps, window, logger)
}

func newRedisLimiterWithClient(client *redis.Client, prefix string, rps float64, window time.Duration, logger config.Logger) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	limit := int64(math.Ceil(rps * window.Seconds()))
	if limit < 1 {
		limit = 1
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Name 返回后端名称
func (l *RedisLimiter) Name() string {
	return BackendRedis
}

// Allow 在当前窗口内计数，超过上限时返回距窗口结束的时间
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	redisKey := l.prefix + key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)

	count, err := incrementWithExpiryScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("Redis限流计数失败", zap.String("key", redisKey), zap.Error(err))
		return Decision{}, fmt.Errorf("redis限流计数失败: %w", err)
	}

	if count > l.limit {
		return Decision{Allowed: false, RetryAfter: windowStart.Add(l.window).Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Ping 检查Redis连接
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
