// Package auth 调用认证服务校验请求携带的令牌
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrMissingToken 请求没有携带Bearer令牌
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken 认证服务拒绝了令牌
	ErrInvalidToken = errors.New("invalid token")
)

// Identity 令牌对应的身份
type Identity struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// Validator 校验令牌并返回身份
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// BearerToken 从Authorization头中取出令牌
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// HTTPValidator 把令牌转交给认证服务的校验接口
type HTTPValidator struct {
	url    string
	client *http.Client
	logger config.Logger
}

// NewHTTPValidator 创建HTTP校验器，validate_url为空时返回nil
func NewHTTPValidator(cfg config.AuthConfig, logger config.Logger) *HTTPValidator {
	if cfg.ValidateURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &HTTPValidator{
		url:    cfg.ValidateURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

// Validate 认证服务返回2xx视为有效，401/403视为无效，其他状态视为认证服务故障
func (v *HTTPValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	body, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("序列化校验请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建校验请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("调用认证服务失败", zap.String("url", v.url), zap.Error(err))
		return nil, fmt.Errorf("调用认证服务失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrInvalidToken
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("认证服务返回异常状态: %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("解析认证服务响应失败: %w", err)
	}
	return &identity, nil
}
