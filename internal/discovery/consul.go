package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"go.uber.org/zap"
)

const (
	consulWaitTime   = 30 * time.Second
	consulRetryDelay = time.Second
)

// ConsulDiscoverer 通过Consul健康检查API发现通过检查的实例
type ConsulDiscoverer struct {
	client     *api.Client
	tag        string
	datacenter string
	logger     config.Logger
}

// NewConsulDiscoverer 创建Consul发现后端
func NewConsulDiscoverer(cfg config.ConsulConfig, logger config.Logger) (*ConsulDiscoverer, error) {
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("创建Consul客户端失败: %w", err)
	}

	return &ConsulDiscoverer{
		client:     client,
		tag:        cfg.Tag,
		datacenter: cfg.Datacenter,
		logger:     logger,
	}, nil
}

// Name 返回后端名称
func (d *ConsulDiscoverer) Name() string {
	return BackendConsul
}

// Instances 只返回所有健康检查都通过的实例
func (d *ConsulDiscoverer) Instances(ctx context.Context, serviceID string) ([]model.ServiceInstance, error) {
	opts := (&api.QueryOptions{Datacenter: d.datacenter}).WithContext(ctx)
	entries, _, err := d.client.Health().Service(serviceID, d.tag, true, opts)
	if err != nil {
		return nil, fmt.Errorf("从Consul查询服务%s失败: %w", serviceID, err)
	}

	now := time.Now()
	instances := make([]model.ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		address := entry.Service.Address
		if address == "" && entry.Node != nil {
			address = entry.Node.Address
		}
		instances = append(instances, model.ServiceInstance{
			ServiceID:       serviceID,
			InstanceID:      entry.Service.ID,
			Address:         address,
			Port:            entry.Service.Port,
			Metadata:        entry.Service.Meta,
			LastSeenHealthy: now,
		}.Clone())
	}
	return instances, nil
}

// Services 列出Consul目录中的全部服务
func (d *ConsulDiscoverer) Services(ctx context.Context) ([]string, error) {
	opts := (&api.QueryOptions{Datacenter: d.datacenter}).WithContext(ctx)
	services, _, err := d.client.Catalog().Services(opts)
	if err != nil {
		return nil, fmt.Errorf("获取Consul服务目录失败: %w", err)
	}

	names := make([]string, 0, len(services))
	for name := range services {
		if name == "consul" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Watch 使用阻塞查询监听服务目录，索引变化时触发onChange
func (d *ConsulDiscoverer) Watch(ctx context.Context, onChange func()) error {
	go func() {
		var lastIndex uint64
		for {
			opts := (&api.QueryOptions{
				Datacenter: d.datacenter,
				WaitIndex:  lastIndex,
				WaitTime:   consulWaitTime,
			}).WithContext(ctx)

			_, meta, err := d.client.Catalog().Services(opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("Consul阻塞查询失败", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(consulRetryDelay):
				}
				continue
			}

			// 索引回退时从头开始
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			if lastIndex != 0 && meta.LastIndex != lastIndex {
				onChange()
			}
			if meta.LastIndex == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(consulRetryDelay):
				}
			}
			lastIndex = meta.LastIndex
		}
	}()
	return nil
}
