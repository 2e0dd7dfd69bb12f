package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/hewenyu/kong-gateway/internal/core/model"
)

// StaticDiscoverer 使用配置文件中固定的地址列表
type StaticDiscoverer struct {
	services map[string][]model.ServiceInstance
}

// NewStaticDiscoverer 解析 服务名 -> host:port 列表
func NewStaticDiscoverer(static map[string][]string) (*StaticDiscoverer, error) {
	services := make(map[string][]model.ServiceInstance, len(static))
	for name, addrs := range static {
		instances := make([]model.ServiceInstance, 0, len(addrs))
		for i, addr := range addrs {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("服务%s的地址%q无效: %w", name, addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("服务%s的端口%q无效", name, portStr)
			}
			instances = append(instances, model.ServiceInstance{
				ServiceID:  name,
				InstanceID: fmt.Sprintf("%s-%d", name, i),
				Address:    host,
				Port:       port,
			})
		}
		services[name] = instances
	}
	return &StaticDiscoverer{services: services}, nil
}

// Name 返回后端名称
func (d *StaticDiscoverer) Name() string {
	return BackendStatic
}

// Instances 返回配置的实例副本
func (d *StaticDiscoverer) Instances(_ context.Context, serviceID string) ([]model.ServiceInstance, error) {
	configured := d.services[serviceID]
	now := time.Now()
	out := make([]model.ServiceInstance, 0, len(configured))
	for _, inst := range configured {
		inst.LastSeenHealthy = now
		out = append(out, inst)
	}
	return out, nil
}

// Services 返回配置中的服务名
func (d *StaticDiscoverer) Services(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
