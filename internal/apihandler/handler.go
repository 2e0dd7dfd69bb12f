// Package apihandler 组装网关的HTTP入口：健康检查、指标、管理接口和转发
package apihandler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hewenyu/kong-gateway/internal/circuitbreaker"
	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/health"
	"github.com/hewenyu/kong-gateway/internal/registry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler 定义API处理器接口
type Handler interface {
	// Start 启动网关HTTP服务，非阻塞
	Start() error

	// Shutdown 优雅关闭HTTP服务
	Shutdown(ctx context.Context) error
}

// RouteLister 路由表的只读视图
type RouteLister interface {
	Routes() []model.RouteDescriptor
}

// ServiceSource 服务注册表的管理视图
type ServiceSource interface {
	Snapshot() []registry.ServiceStatus
	Catalog(ctx context.Context) ([]string, error)
	TriggerRefresh()
}

// BreakerSource 熔断器的只读视图
type BreakerSource interface {
	Snapshot(serviceID string) (circuitbreaker.Snapshot, bool)
	Snapshots() []circuitbreaker.Snapshot
}

// HealthSource 健康汇总
type HealthSource interface {
	GetHealthCheck(ctx context.Context) health.Report
}

// Dependencies 处理器依赖的组件
type Dependencies struct {
	Routes   RouteLister
	Services ServiceSource
	Breakers BreakerSource
	Health   HealthSource
	Proxy    http.Handler
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server *echo.Echo
	cfg    *config.Config
	logger config.Logger
	deps   Dependencies
}

// NewAPIHandler 创建API处理器并注册全部路由
func NewAPIHandler(cfg *config.Config, logger config.Logger, deps Dependencies) *EchoHandler {
	h := &EchoHandler{
		server: echo.New(),
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}
	h.server.HideBanner = true
	h.server.HidePort = true

	// 添加中间件
	h.server.Use(middleware.Recover())
	h.server.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Info("请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	h.server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID},
	}))

	h.registerRoutes()
	return h
}

// Start 启动网关HTTP服务
func (h *EchoHandler) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Server.ListenAddress, h.cfg.Server.Port)
	h.logger.Info("启动网关HTTP服务", zap.String("address", addr))

	h.server.Server.ReadTimeout = h.cfg.Server.ReadTimeout
	h.server.Server.WriteTimeout = h.cfg.Server.WriteTimeout

	// 启动服务（非阻塞）
	go func() {
		if err := h.server.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("网关HTTP服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭HTTP服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭网关HTTP服务...")
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭网关HTTP服务出错", zap.Error(err))
		return err
	}
	return nil
}

// ServeHTTP 便于直接挂载到其他服务器或在测试中调用
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// registerRoutes 注册路由，静态路由优先于转发的通配路由
func (h *EchoHandler) registerRoutes() {
	h.server.GET("/health", h.healthHandler)
	h.server.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	admin := h.server.Group("/admin")
	admin.GET("/routes", h.getRoutesHandler)
	admin.GET("/services", h.getServicesHandler)
	admin.GET("/services/catalog", h.getCatalogHandler)
	admin.POST("/services/refresh", h.refreshServicesHandler)
	admin.GET("/circuit-breakers", h.getBreakersHandler)
	admin.GET("/circuit-breakers/:service", h.getBreakerHandler)

	if h.deps.Proxy != nil {
		h.server.Any("/*", echo.WrapHandler(h.deps.Proxy))
	}
}

// healthHandler 不健康时返回503
func (h *EchoHandler) healthHandler(c echo.Context) error {
	report := h.deps.Health.GetHealthCheck(c.Request().Context())
	return c.JSON(report.HTTPStatus(), report)
}

func (h *EchoHandler) getRoutesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"routes": h.deps.Routes.Routes(),
	})
}

func (h *EchoHandler) getServicesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": h.deps.Services.Snapshot(),
	})
}

// getCatalogHandler 列出发现后端中登记的全部服务名
func (h *EchoHandler) getCatalogHandler(c echo.Context) error {
	names, err := h.deps.Services.Catalog(c.Request().Context())
	if err != nil {
		h.logger.Error("获取服务目录失败", zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"message": "获取服务目录失败: " + err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": names,
	})
}

func (h *EchoHandler) refreshServicesHandler(c echo.Context) error {
	h.deps.Services.TriggerRefresh()
	h.logger.Info("已触发服务刷新")
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (h *EchoHandler) getBreakersHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"circuit_breakers": h.deps.Breakers.Snapshots(),
	})
}

func (h *EchoHandler) getBreakerHandler(c echo.Context) error {
	serviceID := c.Param("service")
	snap, ok := h.deps.Breakers.Snapshot(serviceID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": fmt.Sprintf("服务%s没有熔断器", serviceID),
		})
	}
	return c.JSON(http.StatusOK, snap)
}
