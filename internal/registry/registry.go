// Package registry 缓存服务发现结果，并在后台定期刷新
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/discovery"
	"go.uber.org/zap"
)

const (
	defaultRefreshInterval = 10 * time.Second
	defaultQueryTimeout    = 5 * time.Second
)

// Options 注册表参数
type Options struct {
	Services        []string // 需要跟踪的服务，按此顺序展示
	RefreshInterval time.Duration
	QueryTimeout    time.Duration
	Selection       string
	Watch           bool // 后端支持时监听变更并提前刷新
}

// ServiceStatus 单个服务的缓存状态
type ServiceStatus struct {
	ServiceID   string                  `json:"service_id"`
	Instances   []model.ServiceInstance `json:"instances"`
	LastRefresh time.Time               `json:"last_refresh"`
	LastSuccess time.Time               `json:"last_success"`
	LastError   string                  `json:"last_error,omitempty"`
}

// entry 创建后不再修改，刷新时整体替换
type entry struct {
	instances   []model.ServiceInstance
	lastRefresh time.Time
	lastSuccess time.Time
	lastError   error
}

// Registry 服务实例缓存，读多写少；只有刷新循环会写入
type Registry struct {
	discoverer discovery.Discoverer
	selector   Selector
	opts       Options
	logger     config.Logger
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	refreshCh chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New 创建服务注册表
func New(d discovery.Discoverer, opts Options, logger config.Logger) (*Registry, error) {
	if d == nil {
		return nil, fmt.Errorf("发现后端不能为空")
	}
	selector, err := NewSelector(opts.Selection)
	if err != nil {
		return nil, err
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	services := make([]string, 0, len(opts.Services))
	seen := make(map[string]struct{}, len(opts.Services))
	for _, s := range opts.Services {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		services = append(services, s)
	}
	opts.Services = services

	return &Registry{
		discoverer: d,
		selector:   selector,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		entries:    make(map[string]*entry, len(services)),
		refreshCh:  make(chan struct{}, 1),
	}, nil
}

// Resolve 返回服务的一个健康实例；服务没有实例时返回false
func (r *Registry) Resolve(serviceID string) (model.ServiceInstance, bool) {
	r.mu.RLock()
	e := r.entries[serviceID]
	r.mu.RUnlock()

	if e == nil || len(e.instances) == 0 {
		return model.ServiceInstance{}, false
	}
	return e.instances[r.selector.Pick(e.instances)].Clone(), true
}

// Instances 返回服务当前缓存的全部实例
func (r *Registry) Instances(serviceID string) []model.ServiceInstance {
	r.mu.RLock()
	e := r.entries[serviceID]
	r.mu.RUnlock()

	if e == nil {
		return nil
	}
	return cloneInstances(e.instances)
}

// Services 返回跟踪的服务列表
func (r *Registry) Services() []string {
	return append([]string(nil), r.opts.Services...)
}

// Backend 返回发现后端名称
func (r *Registry) Backend() string {
	return r.discoverer.Name()
}

// Start 同步完成首次刷新，然后在后台按间隔刷新，直到ctx取消或调用Stop
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("首次服务发现刷新失败", zap.Error(err))
	}

	if w, ok := r.discoverer.(discovery.Watcher); ok && r.opts.Watch {
		if err := w.Watch(ctx, r.TriggerRefresh); err != nil {
			r.logger.Warn("启动服务变更监听失败，仅使用定时刷新", zap.Error(err))
		}
	}

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("服务注册表已启动",
		zap.String("backend", r.discoverer.Name()),
		zap.Strings("services", r.opts.Services),
		zap.Duration("interval", r.opts.RefreshInterval))
}

// Stop 停止后台刷新并等待退出
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// TriggerRefresh 请求尽快刷新一次，多次请求会合并
func (r *Registry) TriggerRefresh() {
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.refreshCh:
		}
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("服务发现刷新失败，继续使用上次的结果", zap.Error(err))
		}
	}
}

// Refresh 刷新所有跟踪的服务；某个服务查询失败时保留它上次的实例列表
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, serviceID := range r.opts.Services {
		if err := r.refreshService(ctx, serviceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) refreshService(ctx context.Context, serviceID string) error {
	queryCtx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	instances, err := r.discoverer.Instances(queryCtx, serviceID)
	cancel()

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.entries[serviceID]
	if err != nil {
		next := &entry{lastRefresh: now, lastError: err}
		if prev != nil {
			next.instances = prev.instances
			next.lastSuccess = prev.lastSuccess
		}
		r.entries[serviceID] = next
		registryRefreshes.WithLabelValues(serviceID, "failure").Inc()
		return fmt.Errorf("刷新服务%s失败: %w", serviceID, err)
	}

	r.entries[serviceID] = &entry{
		instances:   cloneInstances(instances),
		lastRefresh: now,
		lastSuccess: now,
	}
	registryRefreshes.WithLabelValues(serviceID, "success").Inc()
	registryInstances.WithLabelValues(serviceID).Set(float64(len(instances)))

	if prev != nil && len(prev.instances) != len(instances) {
		r.logger.Info("服务实例数量变化",
			zap.String("service", serviceID),
			zap.Int("before", len(prev.instances)),
			zap.Int("after", len(instances)))
	}
	return nil
}

// Snapshot 返回所有跟踪服务的只读状态，顺序与配置一致
func (r *Registry) Snapshot() []ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(r.opts.Services))
	for _, serviceID := range r.opts.Services {
		status := ServiceStatus{ServiceID: serviceID, Instances: []model.ServiceInstance{}}
		if e := r.entries[serviceID]; e != nil {
			status.Instances = cloneInstances(e.instances)
			status.LastRefresh = e.lastRefresh
			status.LastSuccess = e.lastSuccess
			if e.lastError != nil {
				status.LastError = e.lastError.Error()
			}
		}
		out = append(out, status)
	}
	return out
}

// Catalog 列出发现后端中注册的全部服务，后端不支持时返回跟踪的服务
func (r *Registry) Catalog(ctx context.Context) ([]string, error) {
	lister, ok := r.discoverer.(discovery.Lister)
	if !ok {
		return r.Services(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()
	return lister.Services(ctx)
}

func cloneInstances(in []model.ServiceInstance) []model.ServiceInstance {
	out := make([]model.ServiceInstance, 0, len(in))
	for _, inst := range in {
		out = append(out, inst.Clone())
	}
	return out
}
