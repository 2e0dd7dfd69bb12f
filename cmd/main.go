package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hewenyu/kong-gateway/internal/apihandler"
	"github.com/hewenyu/kong-gateway/internal/auth"
	"github.com/hewenyu/kong-gateway/internal/circuitbreaker"
	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/discovery"
	"github.com/hewenyu/kong-gateway/internal/health"
	"github.com/hewenyu/kong-gateway/internal/proxy"
	"github.com/hewenyu/kong-gateway/internal/ratelimit"
	"github.com/hewenyu/kong-gateway/internal/registry"
	"github.com/hewenyu/kong-gateway/internal/router"
	"go.uber.org/zap"
)

const version = "0.1.0"

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLoggerWithLevel(appConfig.Log.Development, appConfig.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	if zl, ok := logger.(*config.ZapLogger); ok {
		defer func() { _ = zl.Sync() }()
	}

	// 打印启动信息
	logger.Info("Kong Gateway Starting...",
		zap.String("version", version),
		zap.String("discovery_backend", appConfig.Discovery.Backend),
		zap.Int("routes", len(appConfig.Routes)),
		zap.Int("port", appConfig.Server.Port),
	)

	if err := run(); err != nil {
		logger.Error("网关运行失败", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	matcher, err := router.NewMatcherFromConfig(appConfig.Routes)
	if err != nil {
		return fmt.Errorf("构建路由表失败: %w", err)
	}

	// 初始化服务发现
	discoverer, err := discovery.New(appConfig.Discovery, logger)
	if err != nil {
		return err
	}
	if c, ok := discoverer.(io.Closer); ok {
		defer c.Close()
	}

	services := append(matcher.ServiceIDs(), appConfig.Discovery.Services...)
	reg, err := registry.New(discoverer, registry.Options{
		Services:        services,
		RefreshInterval: appConfig.Discovery.RefreshInterval,
		QueryTimeout:    appConfig.Discovery.QueryTimeout,
		Selection:       appConfig.Discovery.Selection,
		Watch:           appConfig.Discovery.Watch,
	}, logger)
	if err != nil {
		return fmt.Errorf("创建服务注册表失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 首次刷新同步完成，失败的服务以空实例启动
	reg.Start(ctx)
	defer reg.Stop()

	breakers := circuitbreaker.NewRegistry(appConfig.CircuitBreaker, logger)
	breakers.Warm(reg.Services()...)

	stats := health.NewStats()
	aggregator := health.NewAggregator(reg, breakers, stats)

	opts := []proxy.Option{
		proxy.WithTimeouts(appConfig.Timeouts),
		proxy.WithObserver(stats),
		proxy.WithDevelopment(appConfig.Server.Development),
		proxy.WithMaxBodyBytes(appConfig.Server.MaxBodyBytes),
		proxy.WithMaxResponseBytes(appConfig.Server.MaxResponseBytes),
		proxy.WithLogger(logger),
	}

	limiter, err := ratelimit.New(appConfig.RateLimit, logger)
	if err != nil {
		return fmt.Errorf("初始化限流失败: %w", err)
	}
	if limiter != nil {
		opts = append(opts, proxy.WithRateLimiter(limiter, appConfig.RateLimit.Key))
		if pinger, ok := limiter.(ratelimit.Pinger); ok {
			aggregator.AddComponent(health.ComponentRateLimiter, pinger.Ping)
		}
		if c, ok := limiter.(io.Closer); ok {
			defer c.Close()
		}
		logger.Info("已启用限流",
			zap.String("backend", limiter.Name()),
			zap.Float64("requests_per_second", appConfig.RateLimit.RequestsPerSecond))
	}

	// 未配置校验地址时返回nil，不能直接放进接口
	if v := auth.NewHTTPValidator(appConfig.Auth, logger); v != nil {
		opts = append(opts, proxy.WithAuthValidator(v))
	}

	engine := proxy.NewEngine(matcher, reg, breakers, opts...)

	handler := apihandler.NewAPIHandler(appConfig, logger, apihandler.Dependencies{
		Routes:   matcher,
		Services: reg,
		Breakers: breakers,
		Health:   aggregator,
		Proxy:    engine,
	})
	if err := handler.Start(); err != nil {
		return err
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownTimeout := appConfig.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return handler.Shutdown(shutdownCtx)
}
