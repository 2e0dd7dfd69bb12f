package etcdclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/stretchr/testify/require"
)

// EtcdEndpointsEnv 集成测试使用的etcd地址环境变量
const EtcdEndpointsEnv = "KONG_GATEWAY_ETCD_ENDPOINTS"

// CreateEtcdClientForTest 创建并连接真实的etcd客户端，未设置环境变量时跳过测试
// 这是一个导出函数，可以被其他包使用
func CreateEtcdClientForTest(t *testing.T) *EtcdClient {
	t.Helper()

	if testing.Short() {
		t.Skip("跳过集成测试")
	}
	endpoints := os.Getenv(EtcdEndpointsEnv)
	if endpoints == "" {
		t.Skipf("未设置%s，跳过etcd集成测试", EtcdEndpointsEnv)
	}

	logger, err := config.NewLogger(true)
	require.NoError(t, err, "创建测试日志记录器失败")

	client := NewEtcdClient(config.EtcdConfig{Endpoints: []string{endpoints}}, logger)
	require.NoError(t, client.Connect(), "连接etcd失败")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx), "Ping etcd失败")

	return client
}
