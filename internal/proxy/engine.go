// Package proxy 实现网关的请求转发：路由、鉴权、服务解析、熔断和错误映射
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-gateway/internal/auth"
	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/hewenyu/kong-gateway/internal/ratelimit"
	"github.com/hewenyu/kong-gateway/internal/router"
	"go.uber.org/zap"
)

const (
	defaultMaxBodyBytes     = 32 << 20
	defaultMaxResponseBytes = 64 << 20
)

// Resolver 按服务ID解析一个健康实例
type Resolver interface {
	Resolve(serviceID string) (model.ServiceInstance, bool)
}

// Executor 在服务的熔断器保护下执行调用
type Executor interface {
	Execute(serviceID string, op func() (interface{}, error)) (interface{}, error)
}

// ResponseObserver 接收上游响应耗时
type ResponseObserver interface {
	ObserveResponse(serviceID string, latency time.Duration)
}

// Engine 网关转发引擎，实现http.Handler
type Engine struct {
	matcher  *router.Matcher
	resolver Resolver
	breakers Executor

	client       *http.Client
	timeouts     config.TimeoutsConfig
	limiter      ratelimit.Limiter
	rateLimitKey string
	validator    auth.Validator
	observer     ResponseObserver
	development  bool
	maxBodyBytes int64
	maxRespBytes int64
	logger       config.Logger
	now          func() time.Time
}

// Option 引擎可选配置
type Option func(*Engine)

// WithHTTPClient 设置出站HTTP客户端
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

// WithTimeouts 设置按路由等级区分的超时
func WithTimeouts(timeouts config.TimeoutsConfig) Option {
	return func(e *Engine) { e.timeouts = timeouts }
}

// WithRateLimiter 设置入口限流，key为ip或route
func WithRateLimiter(limiter ratelimit.Limiter, key string) Option {
	return func(e *Engine) {
		e.limiter = limiter
		e.rateLimitKey = key
	}
}

// WithAuthValidator 设置令牌校验器
func WithAuthValidator(v auth.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithObserver 设置上游响应耗时的观察者
func WithObserver(o ResponseObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithDevelopment 开发模式下错误响应带上内部错误信息
func WithDevelopment(dev bool) Option {
	return func(e *Engine) { e.development = dev }
}

// WithMaxBodyBytes 限制转发的请求体大小
func WithMaxBodyBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBodyBytes = n
		}
	}
}

// WithMaxResponseBytes 限制缓冲的上游响应体大小
func WithMaxResponseBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRespBytes = n
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine 创建转发引擎
func NewEngine(matcher *router.Matcher, resolver Resolver, breakers Executor, opts ...Option) *Engine {
	e := &Engine{
		matcher:      matcher,
		resolver:     resolver,
		breakers:     breakers,
		client:       newDefaultClient(),
		rateLimitKey: ratelimit.KeyByIP,
		maxBodyBytes: defaultMaxBodyBytes,
		maxRespBytes: defaultMaxResponseBytes,
		logger:       config.NewNopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newDefaultClient 超时由每次请求的context控制，不设置Client.Timeout
func newDefaultClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ServeHTTP 处理一次入站请求
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := e.now()
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set(HeaderRequestID, requestID)

	serviceLabel := unmatchedService
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("转发请求时发生panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Stack("stack"))
			e.writeError(w, r, requestID, serviceLabel, errInternal(fmt.Errorf("panic: %v", rec)))
		}
	}()

	route, matched := e.matcher.MatchRequest(r.Method, r.URL.Path)
	if matched {
		serviceLabel = route.ServiceID
	}

	if ge := e.checkRateLimit(r, route, matched); ge != nil {
		e.writeError(w, r, requestID, serviceLabel, ge)
		return
	}

	if !matched {
		e.writeError(w, r, requestID, serviceLabel, errRouteNotFound())
		return
	}

	if ge := e.authorize(r, route); ge != nil {
		e.writeError(w, r, requestID, serviceLabel, ge)
		return
	}

	instance, ok := e.resolver.Resolve(route.ServiceID)
	if !ok {
		e.writeError(w, r, requestID, serviceLabel, errServiceUnavailable(route.ServiceID, nil))
		return
	}

	body, err := e.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			e.writeError(w, r, requestID, serviceLabel, errPayloadTooLarge(err))
			return
		}
		e.writeError(w, r, requestID, serviceLabel, classifyUpstreamError(route.ServiceID, err))
		return
	}

	preq := e.buildRequest(r, route, instance, body, requestID, start)
	resp, err := e.Forward(r.Context(), route, preq)
	if resp != nil && e.observer != nil {
		e.observer.ObserveResponse(route.ServiceID, resp.Duration)
	}

	if err != nil {
		var statusErr *UpstreamStatusError
		if !errors.As(err, &statusErr) || resp == nil {
			ge := classifyUpstreamError(route.ServiceID, err)
			e.logger.Warn("转发请求失败",
				zap.String("service", route.ServiceID),
				zap.String("target", preq.URL),
				zap.String("kind", string(ge.Kind)),
				zap.String("request_id", requestID),
				zap.Error(err))
			e.writeError(w, r, requestID, serviceLabel, ge)
			return
		}
		e.logger.Warn("上游返回服务端错误",
			zap.String("service", route.ServiceID),
			zap.Int("status", statusErr.StatusCode),
			zap.String("request_id", requestID))
	}

	e.writeResponse(w, r, resp, start)
	proxyRequests.WithLabelValues(serviceLabel, strconv.Itoa(resp.StatusCode)).Inc()
	proxyDuration.WithLabelValues(serviceLabel).Observe(e.now().Sub(start).Seconds())

	e.logger.Debug("请求转发完成",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("service", route.ServiceID),
		zap.String("target", preq.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("upstream", resp.Duration),
		zap.String("request_id", requestID))
}

// checkRateLimit 限流后端出错时放行
func (e *Engine) checkRateLimit(r *http.Request, route model.RouteDescriptor, matched bool) *GatewayError {
	if e.limiter == nil {
		return nil
	}

	key := clientIP(r)
	if e.rateLimitKey == ratelimit.KeyByRoute {
		key = "route:" + unmatchedService
		if matched {
			key = "route:" + route.Pattern
		}
	}

	decision, err := e.limiter.Allow(r.Context(), key)
	if err != nil {
		e.logger.Warn("限流检查失败，放行请求", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		return errRateLimited(ratelimit.RetryAfterSeconds(decision.RetryAfter))
	}
	return nil
}

// authorize 路由要求认证时校验令牌和角色；未配置校验器时只要求携带令牌
func (e *Engine) authorize(r *http.Request, route model.RouteDescriptor) *GatewayError {
	if !route.RequireAuth {
		return nil
	}

	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return errUnauthorized("Authentication required", err)
	}
	if e.validator == nil {
		return nil
	}

	identity, err := e.validator.Validate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
			return errUnauthorized("Invalid or expired token", err)
		}
		e.logger.Warn("令牌校验失败", zap.Error(err))
		return errServiceUnavailable("auth", err)
	}

	if !route.HasAnyRole(identity.Roles) {
		return errForbidden()
	}
	return nil
}

func (e *Engine) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBodyBytes))
}

// buildRequest 构造出站请求：改写路径，去掉逐跳头，补充请求ID和转发头
func (e *Engine) buildRequest(r *http.Request, route model.RouteDescriptor, instance model.ServiceInstance, body []byte, requestID string, start time.Time) *model.ProxyRequest {
	scheme := "http"
	if instance.Metadata["scheme"] == "https" {
		scheme = "https"
	}
	target := url.URL{
		Scheme:   scheme,
		Host:     instance.HostPort(),
		Path:     router.RewritePath(route, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	header := r.Header.Clone()
	removeHopHeaders(header)
	header.Set(HeaderRequestID, requestID)
	setForwardedHeaders(header, r)

	return &model.ProxyRequest{
		Method:    r.Method,
		URL:       target.String(),
		Header:    header,
		Body:      body,
		RequestID: requestID,
		ServiceID: route.ServiceID,
		Timeout:   e.timeouts.TimeoutFor(route.TimeoutClass),
		StartedAt: start,
	}
}

// Forward 在熔断器保护下发送出站请求。上游返回5xx时同时返回响应和*UpstreamStatusError
func (e *Engine) Forward(ctx context.Context, route model.RouteDescriptor, preq *model.ProxyRequest) (*model.ProxyResponse, error) {
	result, err := e.breakers.Execute(route.ServiceID, func() (interface{}, error) {
		resp, err := e.do(ctx, preq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &UpstreamStatusError{ServiceID: route.ServiceID, StatusCode: resp.StatusCode}
		}
		return resp, nil
	})

	resp, _ := result.(*model.ProxyResponse)
	return resp, err
}

// do 发送请求并在截止时间内读完响应体，返回前释放连接
func (e *Engine) do(ctx context.Context, preq *model.ProxyRequest) (*model.ProxyResponse, error) {
	if preq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, preq.Timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(preq.Body) > 0 {
		body = bytes.NewReader(preq.Body)
	}

	req, err := http.NewRequestWithContext(ctx, preq.Method, preq.URL, body)
	if err != nil {
		return nil, fmt.Errorf("创建出站请求失败: %w", err)
	}
	req.Header = preq.Header

	sent := e.now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, e.maxRespBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取上游响应失败: %w", err)
	}
	if int64(len(respBody)) > e.maxRespBytes {
		return nil, &ResponseTooLargeError{ServiceID: preq.ServiceID, Limit: e.maxRespBytes}
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
		Duration:   e.now().Sub(sent),
	}, nil
}

func (e *Engine) writeResponse(w http.ResponseWriter, r *http.Request, resp *model.ProxyResponse, start time.Time) {
	dst := w.Header()
	requestIDKey := http.CanonicalHeaderKey(HeaderRequestID)
	for k, vv := range resp.Header {
		if k == requestIDKey {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	if r.Method != http.MethodHead {
		dst.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	dst.Set(HeaderResponseTime, formatDuration(e.now().Sub(start)))

	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// writeError 写出结构化错误响应
func (e *Engine) writeError(w http.ResponseWriter, r *http.Request, requestID, serviceLabel string, ge *GatewayError) {
	body := model.ErrorBody{
		StatusCode:   ge.StatusCode,
		Timestamp:    e.now().UTC().Format(time.RFC3339Nano),
		Path:         r.URL.Path,
		Method:       r.Method,
		Message:      ge.Message,
		Service:      model.GatewayServiceName,
		ServiceError: ge.ServiceError,
		RetryAfter:   ge.RetryAfter,
		RequestID:    requestID,
		Data:         ge.Data,
	}
	if ge.Kind == KindCircuitOpen {
		body.CircuitBreakerTriggered = true
	}
	if e.development && ge.Cause != nil {
		body.Error = ge.Cause.Error()
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	if ge.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	w.WriteHeader(ge.StatusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		e.logger.Warn("写出错误响应失败", zap.Error(err))
	}

	proxyRequests.WithLabelValues(serviceLabel, strconv.Itoa(ge.StatusCode)).Inc()
	proxyErrors.WithLabelValues(serviceLabel, string(ge.Kind)).Inc()
}

func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64) + "ms"
}
