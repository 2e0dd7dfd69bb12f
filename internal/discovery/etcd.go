package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/etcdclient"
	"go.uber.org/zap"
)

// EtcdDiscoverer 从etcd读取服务实例，过滤心跳超时的实例
type EtcdDiscoverer struct {
	client          etcdclient.Client
	maxHeartbeatAge time.Duration
	logger          config.Logger
}

// NewEtcdDiscoverer 创建etcd发现后端，maxHeartbeatAge为0时不检查心跳
func NewEtcdDiscoverer(client etcdclient.Client, maxHeartbeatAge time.Duration, logger config.Logger) *EtcdDiscoverer {
	return &EtcdDiscoverer{
		client:          client,
		maxHeartbeatAge: maxHeartbeatAge,
		logger:          logger,
	}
}

// Name 返回后端名称
func (d *EtcdDiscoverer) Name() string {
	return BackendEtcd
}

// Instances 获取服务的未过期实例
func (d *EtcdDiscoverer) Instances(ctx context.Context, serviceID string) ([]model.ServiceInstance, error) {
	raw, err := d.client.GetServiceInstances(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("从etcd查询服务%s失败: %w", serviceID, err)
	}

	instances := make([]model.ServiceInstance, 0, len(raw))
	for _, inst := range raw {
		if d.maxHeartbeatAge > 0 && etcdclient.IsServiceExpired(inst, d.maxHeartbeatAge) {
			d.logger.Debug("忽略心跳过期的实例",
				zap.String("service", serviceID),
				zap.String("id", inst.InstanceID),
				zap.String("last_heartbeat", inst.LastHeartbeat))
			continue
		}
		instances = append(instances, inst.ToModel())
	}
	return instances, nil
}

// Services 列出etcd中所有已注册的服务
func (d *EtcdDiscoverer) Services(ctx context.Context) ([]string, error) {
	return d.client.GetAllServiceNames(ctx)
}

// Watch 监听服务前缀，任何实例变化都会触发onChange
func (d *EtcdDiscoverer) Watch(ctx context.Context, onChange func()) error {
	return d.client.StartWatch(ctx, etcdclient.ServicesPrefix(), func(event etcdclient.WatchEvent) {
		d.logger.Debug("服务实例变化",
			zap.String("type", event.EventType),
			zap.String("key", event.Key))
		onChange()
	})
}

// Close 关闭底层etcd连接
func (d *EtcdDiscoverer) Close() error {
	return d.client.Close()
}
