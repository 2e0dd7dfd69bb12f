package etcdclient

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configWithoutEndpoints() config.EtcdConfig {
	return config.EtcdConfig{}
}

func TestEtcdClient_StartWatchRequiresConnection(t *testing.T) {
	client := NewEtcdClient(configWithoutEndpoints(), config.NewNopLogger())
	err := client.StartWatch(context.Background(), ServicesPrefix(), func(WatchEvent) {})
	assert.Error(t, err)
}

func TestWatcher_ServiceEvents(t *testing.T) {
	client := CreateEtcdClientForTest(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceName := "gateway-watch-" + uuid.New().String()[:8]
	events := make(chan WatchEvent, 4)
	require.NoError(t, client.StartWatch(ctx, getServicePrefix(serviceName), func(ev WatchEvent) {
		events <- ev
	}))

	instance := &ServiceInstance{
		ServiceName: serviceName,
		InstanceID:  "i-1",
		IPAddress:   "127.0.0.1",
		Port:        18081,
	}
	require.NoError(t, client.RegisterService(ctx, instance))
	require.NoError(t, client.DeregisterService(ctx, serviceName, instance.InstanceID))

	expect := []string{"create", "delete"}
	for _, want := range expect {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.EventType)
			require.NotNil(t, ev.ServiceObj, "服务键事件应解析出服务对象")
			assert.Equal(t, serviceName, ev.ServiceObj.ServiceName)
		case <-time.After(5 * time.Second):
			t.Fatalf("等待%s事件超时", want)
		}
	}
}
