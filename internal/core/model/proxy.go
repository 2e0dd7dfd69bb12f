package model

import (
	"net/http"
	"time"
)

// GatewayServiceName 错误响应中的 service 字段
const GatewayServiceName = "gateway"

// ProxyRequest 一次转发的出站请求，按请求创建，响应写出后丢弃
type ProxyRequest struct {
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	RequestID string
	ServiceID string
	Timeout   time.Duration
	StartedAt time.Time
}

// ProxyResponse 上游返回的响应
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ErrorBody 网关统一的结构化错误响应
type ErrorBody struct {
	StatusCode              int    `json:"statusCode"`
	Timestamp               string `json:"timestamp"`
	Path                    string `json:"path"`
	Method                  string `json:"method"`
	Message                 string `json:"message"`
	Service                 string `json:"service"`
	ServiceError            bool   `json:"serviceError,omitempty"`
	RetryAfter              int    `json:"retryAfter,omitempty"`
	CircuitBreakerTriggered bool   `json:"circuitBreakerTriggered,omitempty"`
	RequestID               string `json:"requestId,omitempty"`
	Error                   string `json:"error,omitempty"` // 仅开发模式下填充
	Data                    any    `json:"data,omitempty"`  // 熔断预置响应的附加数据
}
