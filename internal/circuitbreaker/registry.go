package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/hewenyu/kong-gateway/internal/config"
)

// Registry 按服务ID管理熔断器，每个服务一个实例，进程内长期存在
type Registry struct {
	cfg      config.CircuitBreakerConfig
	logger   config.Logger
	breakers sync.Map // serviceID -> *Breaker
}

// NewRegistry 创建熔断器注册表
func NewRegistry(cfg config.CircuitBreakerConfig, logger config.Logger) *Registry {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Registry{cfg: cfg, logger: logger}
}

// Get 返回服务的熔断器，不存在时按服务配置创建
func (r *Registry) Get(serviceID string) *Breaker {
	if b, ok := r.breakers.Load(serviceID); ok {
		return b.(*Breaker)
	}
	candidate := NewBreaker(serviceID, r.cfg.BreakerFor(serviceID), r.logger)
	actual, _ := r.breakers.LoadOrStore(serviceID, candidate)
	return actual.(*Breaker)
}

// Execute 在服务的熔断器保护下执行op
func (r *Registry) Execute(serviceID string, op func() (interface{}, error)) (interface{}, error) {
	return r.Get(serviceID).Execute(op)
}

// Snapshot 返回单个服务的熔断状态，服务从未被调用过时返回false
func (r *Registry) Snapshot(serviceID string) (Snapshot, bool) {
	b, ok := r.breakers.Load(serviceID)
	if !ok {
		return Snapshot{}, false
	}
	return b.(*Breaker).Snapshot(), true
}

// Snapshots 返回所有熔断器的状态，按服务ID排序
func (r *Registry) Snapshots() []Snapshot {
	var snaps []Snapshot
	r.breakers.Range(func(_, value any) bool {
		snaps = append(snaps, value.(*Breaker).Snapshot())
		return true
	})
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].ServiceID < snaps[j].ServiceID
	})
	return snaps
}

// Warm 为给定服务预先创建熔断器，使其出现在健康检查中
func (r *Registry) Warm(serviceIDs ...string) {
	for _, id := range serviceIDs {
		r.Get(id)
	}
}
