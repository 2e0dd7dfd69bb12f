package etcdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hewenyu/kong-gateway/internal/core/model"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 服务根路径前缀，键格式: /services/服务名/实例ID
const servicesPrefix = "/services/"

// ServiceInstance etcd中保存的服务实例
type ServiceInstance struct {
	ServiceName   string            `json:"service_name"`       // 服务名称
	InstanceID    string            `json:"instance_id"`        // 实例ID
	IPAddress     string            `json:"ip_address"`         // IP地址
	Port          int               `json:"port"`               // 端口
	Metadata      map[string]string `json:"metadata,omitempty"` // 可选元数据（版本、区域等）
	TTL           int               `json:"ttl"`                // 租约TTL（秒）
	LastHeartbeat string            `json:"last_heartbeat"`     // 最后心跳时间，RFC3339
}

// ToModel 转换为网关内部的实例表示
func (s *ServiceInstance) ToModel() model.ServiceInstance {
	inst := model.ServiceInstance{
		ServiceID:  s.ServiceName,
		InstanceID: s.InstanceID,
		Address:    s.IPAddress,
		Port:       s.Port,
		Metadata:   s.Metadata,
	}
	if hb, err := time.Parse(time.RFC3339, s.LastHeartbeat); err == nil {
		inst.LastSeenHealthy = hb
	}
	return inst.Clone()
}

// RegisterService 将服务实例注册到etcd，TTL大于0时绑定租约
func (e *EtcdClient) RegisterService(ctx context.Context, instance *ServiceInstance) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	instance.LastHeartbeat = time.Now().Format(time.RFC3339)
	key := getServiceInstanceKey(instance.ServiceName, instance.InstanceID)

	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("序列化服务实例失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	var opts []clientv3.OpOption
	if instance.TTL > 0 {
		lease, err := e.client.Grant(ctx, int64(instance.TTL))
		if err != nil {
			e.logger.Error("创建etcd租约失败", zap.Error(err))
			return fmt.Errorf("创建etcd租约失败: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := e.client.Put(ctx, key, string(data), opts...); err != nil {
		e.logger.Error("注册服务实例失败", zap.Error(err))
		return fmt.Errorf("注册服务实例失败: %w", err)
	}

	e.logger.Info("服务实例注册成功",
		zap.String("service", instance.ServiceName),
		zap.String("id", instance.InstanceID),
		zap.String("ip", instance.IPAddress),
		zap.Int("port", instance.Port))
	return nil
}

// DeregisterService 从etcd注销服务实例
func (e *EtcdClient) DeregisterService(ctx context.Context, serviceName, instanceID string) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	key := getServiceInstanceKey(serviceName, instanceID)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := e.client.Delete(ctx, key); err != nil {
		e.logger.Error("注销服务实例失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return fmt.Errorf("注销服务实例失败: %w", err)
	}

	e.logger.Info("服务实例注销成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID))
	return nil
}

// GetServiceInstances 获取指定服务的所有实例，无法解析的记录会被跳过
func (e *EtcdClient) GetServiceInstances(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	if e.client == nil {
		return nil, fmt.Errorf("etcd客户端未连接")
	}

	prefix := getServicePrefix(serviceName)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("获取服务实例列表失败: %w", err)
	}

	instances := make([]*ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		instance, err := parseServiceFromJSON(string(kv.Value))
		if err != nil {
			e.logger.Warn("解析服务实例数据失败",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// GetAllServiceNames 获取所有已注册服务的名称列表
func (e *EtcdClient) GetAllServiceNames(ctx context.Context) ([]string, error) {
	if e.client == nil {
		return nil, fmt.Errorf("etcd客户端未连接")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, servicesPrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		e.logger.Error("获取服务列表失败", zap.Error(err))
		return nil, fmt.Errorf("获取服务列表失败: %w", err)
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return serviceNamesFromKeys(keys), nil
}

// serviceNamesFromKeys 从实例键中提取去重排序后的服务名
func serviceNamesFromKeys(keys []string) []string {
	serviceMap := make(map[string]struct{})
	for _, key := range keys {
		if name, ok := serviceNameFromKey(key); ok {
			serviceMap[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(serviceMap))
	for name := range serviceMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serviceNameFromKey 解析 /services/服务名/实例ID
func serviceNameFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, servicesPrefix) {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, servicesPrefix), "/", 2)
	if len(parts) < 2 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

func getServiceInstanceKey(serviceName, instanceID string) string {
	return fmt.Sprintf("%s%s/%s", servicesPrefix, serviceName, instanceID)
}

func getServicePrefix(serviceName string) string {
	return fmt.Sprintf("%s%s/", servicesPrefix, serviceName)
}

// ServicesPrefix 返回所有服务实例键的公共前缀
func ServicesPrefix() string {
	return servicesPrefix
}

// IsServiceExpired 检查服务实例是否已过期
func IsServiceExpired(instance *ServiceInstance, maxHeartbeatAge time.Duration) bool {
	if instance == nil || instance.LastHeartbeat == "" {
		return true // 没有心跳记录的服务视为过期
	}

	lastHeartbeat, err := time.Parse(time.RFC3339, instance.LastHeartbeat)
	if err != nil {
		return true
	}

	return time.Since(lastHeartbeat) > maxHeartbeatAge
}

// parseServiceFromJSON 从JSON字符串解析服务实例
func parseServiceFromJSON(jsonStr string) (*ServiceInstance, error) {
	if jsonStr == "" {
		return nil, fmt.Errorf("空的JSON字符串")
	}

	var service ServiceInstance
	if err := json.Unmarshal([]byte(jsonStr), &service); err != nil {
		return nil, err
	}
	return &service, nil
}
