package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// 超过该时间未访问的key会被清理
const localClientTTL = 10 * time.Minute

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LocalLimiter 每个key一个令牌桶，只在当前进程内生效
type LocalLimiter struct {
	rps   rate.Limit
	burst int

	mu          sync.Mutex
	clients     map[string]*localEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewLocalLimiter 创建进程内限流器，burst小于1时取1
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{
		rps:         rate.Limit(rps),
		burst:       burst,
		clients:     make(map[string]*localEntry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Name 返回后端名称
func (l *LocalLimiter) Name() string {
	return BackendLocal
}

// Allow 消耗一个令牌；令牌不足时不预占，并返回下一个令牌可用的等待时间
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	lim := l.limiterFor(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *LocalLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > localClientTTL {
		for k, e := range l.clients {
			if now.Sub(e.lastAccess) > localClientTTL {
				delete(l.clients, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.clients[key]
	if !ok {
		e = &localEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = e
	}
	e.lastAccess = now
	return e.limiter
}

// Size 返回当前跟踪的key数量
func (l *LocalLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
