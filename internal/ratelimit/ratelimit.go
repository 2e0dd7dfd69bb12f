// Package ratelimit 提供入口限流：进程内令牌桶和基于Redis的固定窗口
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
)

// 限流后端
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// 限流维度
const (
	KeyByIP    = "ip"
	KeyByRoute = "route"
)

// Decision 限流判定结果
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter 判断某个key的请求是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Name() string
}

// Pinger 依赖外部存储的限流器实现该接口，用于健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// New 按配置创建限流器，未启用时返回nil
func New(cfg config.RateLimitConfig, logger config.Logger) (Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests_per_second必须大于0")
	}

	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalLimiter(cfg.RequestsPerSecond, cfg.Burst), nil
	case BackendRedis:
		return NewRedisLimiter(cfg.Redis, cfg.RequestsPerSecond, cfg.Window, logger), nil
	default:
		return nil, fmt.Errorf("不支持的限流后端: %s", cfg.Backend)
	}
}

// RetryAfterSeconds 返回向上取整的秒数，至少为1
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
