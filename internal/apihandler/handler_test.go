package apihandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hewenyu/kong-gateway/internal/circuitbreaker"
	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/health"
	"github.com/hewenyu/kong-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

type fakeRoutes []model.RouteDescriptor

func (f fakeRoutes) Routes() []model.RouteDescriptor { return f }

type fakeServices struct {
	statuses   []registry.ServiceStatus
	catalog    []string
	catalogErr error
	refreshed  int
}

func (f *fakeServices) Snapshot() []registry.ServiceStatus { return f.statuses }
func (f *fakeServices) Catalog(context.Context) ([]string, error) {
	return f.catalog, f.catalogErr
}
func (f *fakeServices) TriggerRefresh() { f.refreshed++ }

type fakeHealth struct {
	report health.Report
}

func (f *fakeHealth) GetHealthCheck(context.Context) health.Report { return f.report }

type testDeps struct {
	services *fakeServices
	breakers *circuitbreaker.Registry
	health   *fakeHealth
	proxied  []string
}

func newTestHandler(t *testing.T) (*EchoHandler, *testDeps) {
	t.Helper()
	td := &testDeps{
		services: &fakeServices{
			statuses: []registry.ServiceStatus{{ServiceID: "catalog", Instances: []model.ServiceInstance{{ServiceID: "catalog", Address: "10.0.0.1", Port: 3002}}}},
			catalog:  []string{"auth", "catalog"},
		},
		breakers: circuitbreaker.NewRegistry(config.CircuitBreakerConfig{}, &MockLogger{}),
		health:   &fakeHealth{report: health.Report{Status: model.HealthStatusHealthy}},
	}
	td.breakers.Warm("catalog")

	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		td.proxied = append(td.proxied, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	})

	cfg := &config.Config{}
	cfg.Server.ListenAddress = "localhost"
	cfg.Server.Port = 8000

	h := NewAPIHandler(cfg, &MockLogger{}, Dependencies{
		Routes:   fakeRoutes{{Pattern: "/api/catalog/*", ServiceID: "catalog"}},
		Services: td.services,
		Breakers: td.breakers,
		Health:   td.health,
		Proxy:    proxy,
	})
	return h, td
}

func do(h *EchoHandler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthCheck(t *testing.T) {
	h, td := newTestHandler(t)

	rec := do(h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, model.HealthStatusHealthy, report.Status)

	td.health.report.Status = model.HealthStatusDegraded
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health").Code, "降级仍返回200")

	td.health.report.Status = model.HealthStatusUnhealthy
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_circuit_breaker_state")
}

func TestAdminEndpoints(t *testing.T) {
	h, td := newTestHandler(t)

	rec := do(h, http.MethodGet, "/admin/routes")
	require.Equal(t, http.StatusOK, rec.Code)
	var routes struct {
		Routes []model.RouteDescriptor `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes.Routes, 1)
	assert.Equal(t, "catalog", routes.Routes[0].ServiceID)

	rec = do(h, http.MethodGet, "/admin/services")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service_id":"catalog"`)

	rec = do(h, http.MethodGet, "/admin/services/catalog")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"services":["auth","catalog"]}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/admin/services/refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, td.services.refreshed)

	assert.Empty(t, td.proxied, "管理接口不应被转发")
}

func TestCatalogError(t *testing.T) {
	h, td := newTestHandler(t)
	td.services.catalogErr = errors.New("consul unreachable")

	rec := do(h, http.MethodGet, "/admin/services/catalog")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "consul unreachable")
}

func TestCircuitBreakerEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h, http.MethodGet, "/admin/circuit-breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Breakers []circuitbreaker.Snapshot `json:"circuit_breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Breakers, 1)
	assert.Equal(t, circuitbreaker.StateClosed, list.Breakers[0].State)

	rec = do(h, http.MethodGet, "/admin/circuit-breakers/catalog")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/admin/circuit-breakers/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOtherPathsAreProxied(t *testing.T) {
	h, td := newTestHandler(t)

	assert.Equal(t, http.StatusTeapot, do(h, http.MethodGet, "/api/catalog/items").Code)
	assert.Equal(t, http.StatusTeapot, do(h, http.MethodDelete, "/api/orders/1").Code)
	assert.Equal(t, http.StatusTeapot, do(h, http.MethodGet, "/").Code)

	assert.Equal(t, []string{"GET /api/catalog/items", "DELETE /api/orders/1", "GET /"}, td.proxied)
}

func TestCORSPreflight(t *testing.T) {
	h, td := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/catalog/items", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost))
	assert.Empty(t, td.proxied, "预检请求由网关直接应答")
}

func TestShutdown(t *testing.T) {
	h, _ := newTestHandler(t)

	// 测试关闭
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Shutdown(ctx)
	assert.NoError(t, err)
}
