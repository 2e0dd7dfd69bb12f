package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config 网关配置结构
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Discovery      DiscoveryConfig      `mapstructure:"discovery"`
	Routes         []RouteConfig        `mapstructure:"routes" validate:"dive"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Timeouts       TimeoutsConfig       `mapstructure:"timeouts"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Auth           AuthConfig           `mapstructure:"auth"`
}

// ServerConfig 入站HTTP服务配置
type ServerConfig struct {
	ListenAddress    string        `mapstructure:"listen_address"`
	Port             int           `mapstructure:"port"`
	Development      bool          `mapstructure:"development"` // 开发模式下错误响应携带内部信息
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DiscoveryConfig 服务发现配置
type DiscoveryConfig struct {
	// 后端类型: "etcd", "consul", "dns", "static"
	Backend         string              `mapstructure:"backend" validate:"oneof=etcd consul dns static"`
	RefreshInterval time.Duration       `mapstructure:"refresh_interval" validate:"gt=0"`
	QueryTimeout    time.Duration       `mapstructure:"query_timeout" validate:"gte=0"`
	Selection       string              `mapstructure:"selection" validate:"omitempty,oneof=first round-robin"` // "first" 或 "round-robin"
	Services        []string            `mapstructure:"services"`  // 路由之外需要额外跟踪的服务
	Watch           bool                `mapstructure:"watch"`     // 后端支持时订阅变更，提前触发刷新
	Etcd            EtcdConfig          `mapstructure:"etcd"`
	Consul          ConsulConfig        `mapstructure:"consul"`
	DNS             DNSConfig           `mapstructure:"dns"`
	Static          map[string][]string `mapstructure:"static"` // 服务名 -> host:port 列表
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Endpoints       []string      `mapstructure:"endpoints"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	MaxHeartbeatAge time.Duration `mapstructure:"max_heartbeat_age"`
}

// ConsulConfig Consul配置
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	Tag        string `mapstructure:"tag"`
}

// DNSConfig DNS SRV服务发现配置
type DNSConfig struct {
	Server  string        `mapstructure:"server"`
	Domain  string        `mapstructure:"domain"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RouteConfig 单条路由配置，列表顺序即匹配顺序
type RouteConfig struct {
	Pattern      string   `mapstructure:"pattern" validate:"required,startswith=/"`
	Service      string   `mapstructure:"service" validate:"required"`
	StripPrefix  bool     `mapstructure:"strip_prefix"`
	Rewrite      string   `mapstructure:"rewrite"`
	RequireAuth  bool     `mapstructure:"require_auth"`
	Roles        []string `mapstructure:"roles"`
	TimeoutClass string   `mapstructure:"timeout_class"`
	Methods      []string `mapstructure:"methods"`
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Default  BreakerConfig            `mapstructure:"default"`
	Services map[string]BreakerConfig `mapstructure:"services" validate:"dive"`
}

// BreakerConfig 单个服务的熔断参数，零值字段在合并时取默认配置
type BreakerConfig struct {
	FailureThreshold int            `mapstructure:"failure_threshold" validate:"gte=0"`
	SuccessThreshold int            `mapstructure:"success_threshold" validate:"gte=0"`
	OpenDuration     time.Duration  `mapstructure:"open_duration" validate:"gte=0"`
	Fallback         FallbackConfig `mapstructure:"fallback"`
}

// FallbackConfig 熔断打开时返回的预置响应
type FallbackConfig struct {
	StatusCode int                    `mapstructure:"status_code" validate:"omitempty,gte=100,lte=599"`
	Message    string                 `mapstructure:"message"`
	Data       map[string]interface{} `mapstructure:"data"`
}

// TimeoutsConfig 按路由类别划分的上游超时
type TimeoutsConfig struct {
	Default time.Duration            `mapstructure:"default"`
	Classes map[string]time.Duration `mapstructure:"classes"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Backend           string        `mapstructure:"backend"` // "local" 或 "redis"
	Key               string        `mapstructure:"key"`     // "ip" 或 "route"
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Window            time.Duration `mapstructure:"window"`
	Redis             RedisConfig   `mapstructure:"redis"`
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AuthConfig 令牌校验配置
type AuthConfig struct {
	ValidateURL string        `mapstructure:"validate_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-gateway")
		v.AddConfigPath("/etc/kong-gateway")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值；其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("KONG_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 服务默认配置
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.development", false)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "150s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("server.max_response_bytes", 64<<20)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// 服务发现默认配置
	v.SetDefault("discovery.backend", "etcd")
	v.SetDefault("discovery.refresh_interval", "10s")
	v.SetDefault("discovery.query_timeout", "5s")
	v.SetDefault("discovery.selection", "first")
	v.SetDefault("discovery.watch", true)
	v.SetDefault("discovery.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("discovery.etcd.dial_timeout", "5s")
	v.SetDefault("discovery.etcd.max_heartbeat_age", "90s")
	v.SetDefault("discovery.consul.address", "127.0.0.1:8500")
	v.SetDefault("discovery.dns.server", "127.0.0.1:6553")
	v.SetDefault("discovery.dns.domain", "service.discovery")
	v.SetDefault("discovery.dns.timeout", "5s")

	// 默认路由，更具体的前缀必须排在前面
	v.SetDefault("routes", []map[string]interface{}{
		{"pattern": "/api/auth/*", "service": "auth", "timeout_class": "auth"},
		{"pattern": "/api/catalog/export*", "service": "catalog", "require_auth": true, "timeout_class": "export"},
		{"pattern": "/api/catalog/*", "service": "catalog"},
		{"pattern": "/api/publications/upload*", "service": "publications", "require_auth": true, "timeout_class": "upload"},
		{"pattern": "/api/publications/*", "service": "publications", "require_auth": true},
		{"pattern": "/api/notifications/*", "service": "notifications", "require_auth": true},
	})

	// 熔断默认配置
	v.SetDefault("circuit_breaker.default.failure_threshold", 5)
	v.SetDefault("circuit_breaker.default.success_threshold", 2)
	v.SetDefault("circuit_breaker.default.open_duration", "30s")
	v.SetDefault("circuit_breaker.default.fallback.status_code", 503)

	// 超时默认配置
	v.SetDefault("timeouts.default", "30s")
	v.SetDefault("timeouts.classes", map[string]string{
		"health": "5s",
		"auth":   "10s",
		"export": "60s",
		"upload": "120s",
	})

	// 限流默认配置
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.backend", "local")
	v.SetDefault("rate_limit.key", "ip")
	v.SetDefault("rate_limit.requests_per_second", 100)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("rate_limit.window", "1s")
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.prefix", "kong-gateway:ratelimit:")

	// 令牌校验默认配置
	v.SetDefault("auth.timeout", "5s")
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("server.port", "KONG_GATEWAY_PORT")
	v.BindEnv("discovery.backend", "KONG_GATEWAY_DISCOVERY_BACKEND")
	v.BindEnv("discovery.etcd.endpoints", "KONG_GATEWAY_ETCD_ENDPOINTS")
	v.BindEnv("discovery.consul.address", "KONG_GATEWAY_CONSUL_ADDRESS")
	v.BindEnv("rate_limit.redis.addr", "KONG_GATEWAY_REDIS_ADDR")
	v.BindEnv("auth.validate_url", "KONG_GATEWAY_AUTH_VALIDATE_URL")
}

// Validate 校验配置的基本合法性
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Backend != "local" && c.RateLimit.Backend != "redis" {
			return fmt.Errorf("不支持的限流后端: %s", c.RateLimit.Backend)
		}
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("限流速率必须大于0")
		}
	}

	return nil
}

// BreakerFor 返回指定服务合并默认值后的熔断参数
func (c CircuitBreakerConfig) BreakerFor(serviceID string) BreakerConfig {
	merged := c.Default
	override, ok := c.Services[serviceID]
	if !ok {
		// viper会把map的键转成小写
		override, ok = c.Services[strings.ToLower(serviceID)]
	}
	if !ok {
		return merged
	}

	if override.FailureThreshold > 0 {
		merged.FailureThreshold = override.FailureThreshold
	}
	if override.SuccessThreshold > 0 {
		merged.SuccessThreshold = override.SuccessThreshold
	}
	if override.OpenDuration > 0 {
		merged.OpenDuration = override.OpenDuration
	}
	if override.Fallback.StatusCode > 0 {
		merged.Fallback.StatusCode = override.Fallback.StatusCode
	}
	if override.Fallback.Message != "" {
		merged.Fallback.Message = override.Fallback.Message
	}
	if override.Fallback.Data != nil {
		merged.Fallback.Data = override.Fallback.Data
	}

	return merged
}

// TimeoutFor 返回路由类别对应的上游超时，类别名不区分大小写
func (t TimeoutsConfig) TimeoutFor(class string) time.Duration {
	if class != "" {
		d, ok := t.Classes[class]
		if !ok {
			// viper会把map的键转成小写
			d, ok = t.Classes[strings.ToLower(class)]
		}
		if ok && d > 0 {
			return d
		}
	}
	if t.Default > 0 {
		return t.Default
	}
	return 30 * time.Second
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./gateway.yaml",
		"./configs/gateway.yaml",
		os.Getenv("HOME") + "/.kong-gateway/gateway.yaml",
		"/etc/kong-gateway/gateway.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
