// Package circuitbreaker 为每个下游服务维护一个熔断器
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// State 熔断器状态
type State string

const (
	// StateClosed 关闭状态，请求正常通过
	StateClosed State = "closed"
	// StateOpen 打开状态，请求直接失败
	StateOpen State = "open"
	// StateHalfOpen 半开状态，放行试探请求
	StateHalfOpen State = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOpenDuration     = 30 * time.Second
)

// Snapshot 熔断器状态的只读视图
type Snapshot struct {
	ServiceID            string        `json:"service_id"`
	State                State         `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	OpenedAt             *time.Time    `json:"opened_at,omitempty"`
	FailureThreshold     int           `json:"failure_threshold"`
	SuccessThreshold     int           `json:"success_threshold"`
	OpenDuration         time.Duration `json:"open_duration"`
}

// OpenError 熔断器拒绝请求时返回的错误，携带预置的降级响应
type OpenError struct {
	ServiceID  string
	RetryAfter time.Duration
	Fallback   config.FallbackConfig
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("服务%s的熔断器已打开", e.ServiceID)
}

// RetryAfterSeconds 返回向上取整的重试秒数，至少为1
func (e *OpenError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Breaker 单个服务的熔断器
type Breaker struct {
	serviceID string
	settings  config.BreakerConfig
	cb        *gobreaker.CircuitBreaker[interface{}]
	logger    config.Logger
	now       func() time.Time

	mu         sync.RWMutex
	state      State
	openedAt   time.Time
	generation uint64
}

// NewBreaker 创建熔断器，未设置的阈值使用内置默认值
func NewBreaker(serviceID string, settings config.BreakerConfig, logger config.Logger) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = defaultFailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = defaultSuccessThreshold
	}
	if settings.OpenDuration <= 0 {
		settings.OpenDuration = defaultOpenDuration
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	b := &Breaker{
		serviceID: serviceID,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
		state:     StateClosed,
	}

	failureThreshold := safeIntToUint32(settings.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        serviceID,
		MaxRequests: safeIntToUint32(settings.SuccessThreshold),
		Interval:    0,
		Timeout:     settings.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: b.onStateChange,
		IsExcluded:    isExcluded,
	})

	recordState(serviceID, StateClosed)
	return b
}

// isExcluded 客户端主动取消既不计为成功也不计为失败
func isExcluded(err error) bool {
	return errors.Is(err, context.Canceled)
}

// onStateChange 在gobreaker内部锁中被同步调用，这里不能回调b.cb
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	next := fromGobreaker(to)

	b.mu.Lock()
	b.state = next
	b.generation++
	if next == StateOpen {
		b.openedAt = b.now()
	} else {
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	recordState(name, next)
	recordStateChange(name, fromGobreaker(from), next)

	b.logger.Info("熔断器状态变更",
		zap.String("service", name),
		zap.String("from", string(fromGobreaker(from))),
		zap.String("to", string(next)))
}

// Execute 在熔断器保护下执行op；熔断打开时不调用op，返回*OpenError
func (b *Breaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		recordRejected(b.serviceID)
		return nil, &OpenError{
			ServiceID:  b.serviceID,
			RetryAfter: b.retryAfter(),
			Fallback:   b.settings.Fallback,
		}
	}

	switch {
	case err == nil:
		recordResult(b.serviceID, "success")
	case isExcluded(err):
		recordResult(b.serviceID, "canceled")
	default:
		recordResult(b.serviceID, "failure")
	}
	return result, err
}

// retryAfter 计算距离允许试探请求的剩余时间
func (b *Breaker) retryAfter() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state != StateOpen || b.openedAt.IsZero() {
		// 半开状态下试探名额已满
		return time.Second
	}
	remaining := b.openedAt.Add(b.settings.OpenDuration).Sub(b.now())
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

// Snapshot 返回当前状态，不触发任何状态迁移。
// 计数与状态来自同一代，读取期间发生迁移时重读
func (b *Breaker) Snapshot() Snapshot {
	for {
		b.mu.RLock()
		gen := b.generation
		b.mu.RUnlock()

		counts := b.cb.Counts()

		b.mu.RLock()
		if b.generation != gen {
			b.mu.RUnlock()
			continue
		}
		snap := Snapshot{
			ServiceID:            b.serviceID,
			State:                b.state,
			ConsecutiveFailures:  int(counts.ConsecutiveFailures),
			ConsecutiveSuccesses: int(counts.ConsecutiveSuccesses),
			FailureThreshold:     b.settings.FailureThreshold,
			SuccessThreshold:     b.settings.SuccessThreshold,
			OpenDuration:         b.settings.OpenDuration,
		}
		if b.state == StateOpen {
			openedAt := b.openedAt
			snap.OpenedAt = &openedAt
		}
		b.mu.RUnlock()
		return snap
	}
}

// Settings 返回生效的熔断配置
func (b *Breaker) Settings() config.BreakerConfig {
	return b.settings
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func safeIntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
