// Package etcdclient 封装网关使用的etcd服务发现读写
package etcdclient

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// Client 定义etcd客户端接口
type Client interface {
	// Connect 连接到etcd集群
	Connect() error

	// Close 关闭连接
	Close() error

	// Ping 检查etcd集群状态
	Ping(ctx context.Context) error

	// RegisterService 将服务实例注册到etcd
	RegisterService(ctx context.Context, instance *ServiceInstance) error

	// DeregisterService 从etcd注销服务实例
	DeregisterService(ctx context.Context, serviceName, instanceID string) error

	// GetServiceInstances 获取指定服务的所有实例
	GetServiceInstances(ctx context.Context, serviceName string) ([]*ServiceInstance, error)

	// GetAllServiceNames 获取所有已注册服务的名称列表
	GetAllServiceNames(ctx context.Context) ([]string, error)

	// StartWatch 开始监听指定前缀的key变化
	StartWatch(ctx context.Context, prefix string, callback WatchCallback) error
}

// EtcdClient 实现Client接口
type EtcdClient struct {
	client *clientv3.Client
	cfg    config.EtcdConfig
	logger config.Logger
}

// NewEtcdClient 创建一个新的etcd客户端
func NewEtcdClient(cfg config.EtcdConfig, logger config.Logger) *EtcdClient {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &EtcdClient{
		cfg:    cfg,
		logger: logger,
	}
}

// Connect 连接到etcd集群
func (e *EtcdClient) Connect() error {
	if len(e.cfg.Endpoints) == 0 {
		return fmt.Errorf("未配置etcd地址")
	}

	dialTimeout := e.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = etcdTimeout
	}

	e.logger.Info("连接到etcd集群", zap.Strings("endpoints", e.cfg.Endpoints))

	var err error
	e.client, err = clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    e.cfg.Username,
		Password:    e.cfg.Password,
	})
	if err != nil {
		e.logger.Error("连接etcd失败", zap.Error(err))
		return fmt.Errorf("连接etcd失败: %w", err)
	}

	return nil
}

// Close 关闭连接
func (e *EtcdClient) Close() error {
	if e.client != nil {
		e.logger.Info("关闭etcd连接")
		return e.client.Close()
	}
	return nil
}

// Ping 检查etcd集群状态
func (e *EtcdClient) Ping(ctx context.Context) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := e.client.Status(ctx, e.cfg.Endpoints[0]); err != nil {
		e.logger.Error("etcd健康检查失败", zap.Error(err))
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}

	e.logger.Debug("etcd健康检查成功")
	return nil
}
