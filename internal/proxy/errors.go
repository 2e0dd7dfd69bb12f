package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/hewenyu/kong-gateway/internal/circuitbreaker"
)

// StatusClientClosedRequest 客户端在响应前断开连接
const StatusClientClosedRequest = 499

// Kind 对外错误分类
type Kind string

const (
	KindRouteNotFound      Kind = "route_not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindServiceUnavailable Kind = "service_unavailable"
	KindCircuitOpen        Kind = "circuit_open"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindUpstreamConnection Kind = "upstream_connection"
	KindResponseTooLarge   Kind = "response_too_large"
	KindRateLimited        Kind = "rate_limited"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindClientClosed       Kind = "client_closed"
	KindInternal           Kind = "internal"
)

// GatewayError 网关自身产生的错误响应，由ServeHTTP统一写成结构化JSON
type GatewayError struct {
	Kind         Kind
	StatusCode   int
	Message      string
	ServiceID    string
	ServiceError bool
	RetryAfter   int // 秒
	Data         any
	Cause        error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// UpstreamStatusError 上游返回5xx；响应照常透传，但计入熔断失败
type UpstreamStatusError struct {
	ServiceID  string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("服务%s返回%d", e.ServiceID, e.StatusCode)
}

// ResponseTooLargeError 上游响应体超过缓冲上限，计入熔断失败
type ResponseTooLargeError struct {
	ServiceID string
	Limit     int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("服务%s的响应超过%d字节", e.ServiceID, e.Limit)
}

func errRouteNotFound() *GatewayError {
	return &GatewayError{Kind: KindRouteNotFound, StatusCode: http.StatusNotFound, Message: "Route not found"}
}

func errUnauthorized(message string, cause error) *GatewayError {
	return &GatewayError{Kind: KindUnauthorized, StatusCode: http.StatusUnauthorized, Message: message, Cause: cause}
}

func errForbidden() *GatewayError {
	return &GatewayError{Kind: KindForbidden, StatusCode: http.StatusForbidden, Message: "Insufficient permissions"}
}

func errServiceUnavailable(serviceID string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindServiceUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    fmt.Sprintf("Service %s is unavailable", serviceID),
		ServiceID:  serviceID,
		Cause:      cause,
	}
}

func errRateLimited(retryAfter int) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    "Too many requests",
		RetryAfter: retryAfter,
	}
}

func errPayloadTooLarge(cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindPayloadTooLarge,
		StatusCode: http.StatusRequestEntityTooLarge,
		Message:    "Request body too large",
		Cause:      cause,
	}
}

func errInternal(cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindInternal,
		StatusCode: http.StatusInternalServerError,
		Message:    "Internal server error",
		Cause:      cause,
	}
}

// errCircuitOpen 使用熔断器配置的预置响应
func errCircuitOpen(openErr *circuitbreaker.OpenError) *GatewayError {
	status := openErr.Fallback.StatusCode
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	message := openErr.Fallback.Message
	if message == "" {
		message = fmt.Sprintf("Service %s is temporarily unavailable", openErr.ServiceID)
	}
	ge := &GatewayError{
		Kind:       KindCircuitOpen,
		StatusCode: status,
		Message:    message,
		ServiceID:  openErr.ServiceID,
		RetryAfter: openErr.RetryAfterSeconds(),
		Cause:      openErr,
	}
	if len(openErr.Fallback.Data) > 0 {
		ge.Data = openErr.Fallback.Data
	}
	return ge
}

// classifyUpstreamError 把转发失败映射为对外错误
func classifyUpstreamError(serviceID string, err error) *GatewayError {
	var openErr *circuitbreaker.OpenError
	if errors.As(err, &openErr) {
		return errCircuitOpen(openErr)
	}

	if errors.Is(err, context.Canceled) {
		return &GatewayError{
			Kind:       KindClientClosed,
			StatusCode: StatusClientClosedRequest,
			Message:    "Client closed request",
			ServiceID:  serviceID,
			Cause:      err,
		}
	}

	var tooLarge *ResponseTooLargeError
	if errors.As(err, &tooLarge) {
		return &GatewayError{
			Kind:         KindResponseTooLarge,
			StatusCode:   http.StatusBadGateway,
			Message:      fmt.Sprintf("Service %s response is too large", serviceID),
			ServiceID:    serviceID,
			ServiceError: true,
			Cause:        err,
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &GatewayError{
			Kind:       KindUpstreamTimeout,
			StatusCode: http.StatusGatewayTimeout,
			Message:    fmt.Sprintf("Service %s did not respond in time", serviceID),
			ServiceID:  serviceID,
			Cause:      err,
		}
	}

	return &GatewayError{
		Kind:         KindUpstreamConnection,
		StatusCode:   http.StatusBadGateway,
		Message:      fmt.Sprintf("Service %s is unreachable", serviceID),
		ServiceID:    serviceID,
		ServiceError: true,
		Cause:        err,
	}
}
