// Package discovery 提供网关可用的服务发现后端
package discovery

import (
	"context"
	"fmt"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/etcdclient"
)

// 支持的发现后端
const (
	BackendEtcd   = "etcd"
	BackendConsul = "consul"
	BackendDNS    = "dns"
	BackendStatic = "static"
)

// Discoverer 查询某个服务当前的健康实例，服务不存在时返回空列表而不是错误
type Discoverer interface {
	Name() string
	Instances(ctx context.Context, serviceID string) ([]model.ServiceInstance, error)
}

// Watcher 后端支持变更通知时实现该接口，Watch在后台运行直到ctx取消
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Lister 后端能够列出全部已注册服务时实现该接口
type Lister interface {
	Services(ctx context.Context) ([]string, error)
}

// New 按配置创建发现后端
func New(cfg config.DiscoveryConfig, logger config.Logger) (Discoverer, error) {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	switch cfg.Backend {
	case BackendEtcd:
		client := etcdclient.NewEtcdClient(cfg.Etcd, logger)
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("初始化etcd发现后端失败: %w", err)
		}
		return NewEtcdDiscoverer(client, cfg.Etcd.MaxHeartbeatAge, logger), nil
	case BackendConsul:
		return NewConsulDiscoverer(cfg.Consul, logger)
	case BackendDNS:
		return NewDNSDiscoverer(cfg.DNS, logger), nil
	case BackendStatic:
		return NewStaticDiscoverer(cfg.Static)
	default:
		return nil, fmt.Errorf("不支持的发现后端: %s", cfg.Backend)
	}
}
