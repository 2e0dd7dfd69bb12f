package model

import (
	"net"
	"strconv"
	"time"
)

// HealthStatus 健康状态枚举
type HealthStatus string

const (
	// HealthStatusHealthy 表示健康
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded 表示降级但仍可用
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy 表示不健康
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ServiceInstance 表示服务发现返回的一个健康实例
type ServiceInstance struct {
	ServiceID       string            `json:"service_id"`
	InstanceID      string            `json:"instance_id,omitempty"`
	Address         string            `json:"address"`
	Port            int               `json:"port"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	LastSeenHealthy time.Time         `json:"last_seen_healthy"`
}

// HostPort 返回 address:port 形式的地址
func (s ServiceInstance) HostPort() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Clone 返回实例的深拷贝，调用方拿到的实例不与注册表共享元数据
func (s ServiceInstance) Clone() ServiceInstance {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}
