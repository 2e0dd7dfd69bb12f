package etcdclient

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 监听被取消后重新建立监听前的等待时间
const rewatchDelay = time.Second

// WatchEvent 定义监听事件类型
type WatchEvent struct {
	EventType  string           // 事件类型: "create", "update", "delete"
	Key        string           // 发生变化的key
	Value      string           // 变化后的值 (对于delete事件，此字段为空)
	PrevValue  string           // 变化前的值 (对于create事件，此字段为空)
	ServiceObj *ServiceInstance // 解析后的服务对象 (如果是服务相关的事件)
}

// WatchCallback 定义监听回调函数类型
type WatchCallback func(event WatchEvent)

// StartWatch 开始监听指定前缀的key变化，ctx取消时退出
func (e *EtcdClient) StartWatch(ctx context.Context, prefix string, callback WatchCallback) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	getCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	getResp, err := e.client.Get(getCtx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	cancel()
	if err != nil {
		return fmt.Errorf("获取初始revision失败: %w", err)
	}

	e.logger.Info("开始监听etcd变化", zap.String("prefix", prefix))

	rev := getResp.Header.Revision + 1
	go func() {
		for {
			rev = e.watchOnce(ctx, prefix, rev, callback)
			select {
			case <-ctx.Done():
				return
			case <-time.After(rewatchDelay):
				e.logger.Warn("etcd监听中断，重新建立监听", zap.String("prefix", prefix))
			}
		}
	}()

	return nil
}

// watchOnce 消费一个watch通道直到关闭，返回下一次监听的起始revision
func (e *EtcdClient) watchOnce(ctx context.Context, prefix string, rev int64, callback WatchCallback) int64 {
	watchChan := e.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithPrevKV())
	for watchResp := range watchChan {
		if watchResp.Canceled {
			e.logger.Warn("etcd监听被取消", zap.String("prefix", prefix), zap.Error(watchResp.Err()))
			if watchResp.CompactRevision > rev {
				rev = watchResp.CompactRevision
			}
			return rev
		}

		for _, ev := range watchResp.Events {
			callback(toWatchEvent(ev))
			rev = ev.Kv.ModRevision + 1
		}
	}
	return rev
}

func toWatchEvent(ev *clientv3.Event) WatchEvent {
	event := WatchEvent{Key: string(ev.Kv.Key)}

	switch ev.Type {
	case clientv3.EventTypePut:
		event.Value = string(ev.Kv.Value)
		if ev.IsCreate() {
			event.EventType = "create"
		} else {
			event.EventType = "update"
		}
	case clientv3.EventTypeDelete:
		event.EventType = "delete"
	}
	if ev.PrevKv != nil {
		event.PrevValue = string(ev.PrevKv.Value)
	}

	if _, ok := serviceNameFromKey(event.Key); ok {
		raw := event.Value
		if event.EventType == "delete" {
			raw = event.PrevValue
		}
		if svc, err := parseServiceFromJSON(raw); err == nil {
			event.ServiceObj = svc
		}
	}
	return event
}
