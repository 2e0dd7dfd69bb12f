// Package health 汇总服务发现、熔断器和附加组件的状态
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/hewenyu/kong-gateway/internal/circuitbreaker"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/registry"
)

// 组件名称
const (
	ComponentServiceDiscovery = "serviceDiscovery"
	ComponentCircuitBreakers  = "circuitBreakers"
	ComponentRateLimiter      = "rateLimiter"
)

const componentCheckTimeout = 2 * time.Second

// RegistrySource 服务注册表的只读视图
type RegistrySource interface {
	Snapshot() []registry.ServiceStatus
	Backend() string
}

// BreakerSource 熔断器的只读视图
type BreakerSource interface {
	Snapshot(serviceID string) (circuitbreaker.Snapshot, bool)
	Snapshots() []circuitbreaker.Snapshot
}

// ServiceHealth 单个服务的健康状态
type ServiceHealth struct {
	Status         model.HealthStatus   `json:"status"`
	ResponseTime   *float64             `json:"responseTime"` // 毫秒，没有流量时为null
	LastChecked    *time.Time           `json:"lastChecked"`
	Instances      int                  `json:"instances"`
	CircuitBreaker circuitbreaker.State `json:"circuitBreaker,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  model.HealthStatus `json:"status"`
	Message string             `json:"message,omitempty"`
}

// Overall 服务状态计数
type Overall struct {
	TotalServices     int `json:"totalServices"`
	HealthyServices   int `json:"healthyServices"`
	DegradedServices  int `json:"degradedServices"`
	UnhealthyServices int `json:"unhealthyServices"`
}

// Report 健康检查结果
type Report struct {
	Status     model.HealthStatus         `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     float64                    `json:"uptime"` // 秒
	Services   map[string]ServiceHealth   `json:"services"`
	Components map[string]ComponentHealth `json:"components"`
	Overall    Overall                    `json:"overall"`
}

// HTTPStatus 不健康时返回503
func (r Report) HTTPStatus() int {
	if r.Status == model.HealthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ComponentCheck 附加组件的检查函数，返回错误表示降级
type ComponentCheck func(ctx context.Context) error

// Aggregator 健康状态汇总，只读取各组件状态，不产生副作用
type Aggregator struct {
	registry RegistrySource
	breakers BreakerSource
	stats    *Stats
	checks   map[string]ComponentCheck
	started  time.Time
	now      func() time.Time
}

// NewAggregator 创建健康汇总器，stats可以为nil
func NewAggregator(reg RegistrySource, breakers BreakerSource, stats *Stats) *Aggregator {
	return &Aggregator{
		registry: reg,
		breakers: breakers,
		stats:    stats,
		checks:   make(map[string]ComponentCheck),
		started:  time.Now(),
		now:      time.Now,
	}
}

// AddComponent 注册附加组件检查，需在开始对外服务前调用
func (a *Aggregator) AddComponent(name string, check ComponentCheck) {
	a.checks[name] = check
}

// GetHealthCheck 计算当前健康状态
func (a *Aggregator) GetHealthCheck(ctx context.Context) Report {
	now := a.now()
	report := Report{
		Timestamp:  now,
		Uptime:     now.Sub(a.started).Seconds(),
		Services:   make(map[string]ServiceHealth),
		Components: make(map[string]ComponentHealth),
	}

	statuses := a.registry.Snapshot()
	for _, st := range statuses {
		sh := a.serviceHealth(st)
		report.Services[st.ServiceID] = sh

		report.Overall.TotalServices++
		switch sh.Status {
		case model.HealthStatusHealthy:
			report.Overall.HealthyServices++
		case model.HealthStatusDegraded:
			report.Overall.DegradedServices++
		default:
			report.Overall.UnhealthyServices++
		}
	}

	report.Components[ComponentServiceDiscovery] = discoveryHealth(a.registry.Backend(), statuses)
	report.Components[ComponentCircuitBreakers] = breakersHealth(a.breakers.Snapshots())
	for name, check := range a.checks {
		report.Components[name] = runCheck(ctx, check)
	}

	report.Status = aggregate(report)
	return report
}

func (a *Aggregator) serviceHealth(st registry.ServiceStatus) ServiceHealth {
	sh := ServiceHealth{
		Status:    model.HealthStatusHealthy,
		Instances: len(st.Instances),
		Error:     st.LastError,
	}
	if !st.LastRefresh.IsZero() {
		checked := st.LastRefresh
		sh.LastChecked = &checked
	}
	if a.stats != nil {
		if latency, ok := a.stats.Latency(st.ServiceID); ok {
			ms := float64(latency) / float64(time.Millisecond)
			sh.ResponseTime = &ms
		}
	}

	breakerOpen := false
	if snap, ok := a.breakers.Snapshot(st.ServiceID); ok {
		sh.CircuitBreaker = snap.State
		breakerOpen = snap.State != circuitbreaker.StateClosed
	}

	switch {
	case len(st.Instances) == 0:
		sh.Status = model.HealthStatusUnhealthy
	case breakerOpen || st.LastError != "":
		sh.Status = model.HealthStatusDegraded
	}
	return sh
}

// discoveryHealth 所有服务都查询失败且没有缓存时不健康；没有任何实例或部分失败时降级
func discoveryHealth(backend string, statuses []registry.ServiceStatus) ComponentHealth {
	if len(statuses) == 0 {
		return ComponentHealth{Status: model.HealthStatusDegraded, Message: backend + ": no services tracked"}
	}

	instances, failed, failedEmpty := 0, 0, 0
	for _, st := range statuses {
		instances += len(st.Instances)
		if st.LastError != "" {
			failed++
			if len(st.Instances) == 0 {
				failedEmpty++
			}
		}
	}

	switch {
	case failedEmpty == len(statuses):
		return ComponentHealth{Status: model.HealthStatusUnhealthy, Message: backend + ": discovery backend unreachable"}
	case instances == 0:
		return ComponentHealth{Status: model.HealthStatusDegraded, Message: backend + ": no healthy instances discovered"}
	case failed > 0:
		return ComponentHealth{Status: model.HealthStatusDegraded, Message: backend + ": serving stale results"}
	default:
		return ComponentHealth{Status: model.HealthStatusHealthy, Message: backend}
	}
}

func breakersHealth(snaps []circuitbreaker.Snapshot) ComponentHealth {
	var open []string
	for _, s := range snaps {
		if s.State != circuitbreaker.StateClosed {
			open = append(open, s.ServiceID)
		}
	}
	if len(open) > 0 {
		msg := "not closed: " + open[0]
		for _, id := range open[1:] {
			msg += ", " + id
		}
		return ComponentHealth{Status: model.HealthStatusDegraded, Message: msg}
	}
	return ComponentHealth{Status: model.HealthStatusHealthy}
}

func runCheck(ctx context.Context, check ComponentCheck) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, componentCheckTimeout)
	defer cancel()
	if err := check(ctx); err != nil {
		return ComponentHealth{Status: model.HealthStatusDegraded, Message: err.Error()}
	}
	return ComponentHealth{Status: model.HealthStatusHealthy}
}

// aggregate 任一组件不健康则不健康；否则任一组件或服务不是健康则降级
func aggregate(report Report) model.HealthStatus {
	degraded := false
	for _, c := range report.Components {
		switch c.Status {
		case model.HealthStatusUnhealthy:
			return model.HealthStatusUnhealthy
		case model.HealthStatusDegraded:
			degraded = true
		}
	}
	if degraded || report.Overall.DegradedServices > 0 || report.Overall.UnhealthyServices > 0 {
		return model.HealthStatusDegraded
	}
	return model.HealthStatusHealthy
}
