package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hewenyu/kong-gateway/internal/circuitbreaker"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyUpstreamError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		kind         Kind
		status       int
		serviceError bool
	}{
		{"circuit open", &circuitbreaker.OpenError{ServiceID: "catalog", RetryAfter: time.Second}, KindCircuitOpen, http.StatusServiceUnavailable, false},
		{"client canceled", fmt.Errorf("wrapped: %w", context.Canceled), KindClientClosed, StatusClientClosedRequest, false},
		{"deadline", context.DeadlineExceeded, KindUpstreamTimeout, http.StatusGatewayTimeout, false},
		{"net timeout", timeoutErr{}, KindUpstreamTimeout, http.StatusGatewayTimeout, false},
		{"response too large", &ResponseTooLargeError{ServiceID: "catalog", Limit: 1024}, KindResponseTooLarge, http.StatusBadGateway, true},
		{"connection refused", errors.New("dial tcp: connection refused"), KindUpstreamConnection, http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ge := classifyUpstreamError("catalog", tt.err)
			assert.Equal(t, tt.kind, ge.Kind)
			assert.Equal(t, tt.status, ge.StatusCode)
			assert.Equal(t, tt.serviceError, ge.ServiceError)
			assert.ErrorIs(t, ge, tt.err)
		})
	}
}

func TestCircuitOpenRetryAfterRoundsUp(t *testing.T) {
	ge := errCircuitOpen(&circuitbreaker.OpenError{ServiceID: "catalog", RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, 2, ge.RetryAfter)
	assert.Nil(t, ge.Data, "未配置附加数据时不输出data")
}

func TestGatewayErrorMessage(t *testing.T) {
	ge := errServiceUnavailable("orders", errors.New("no instances"))
	assert.Equal(t, "service_unavailable: Service orders is unavailable: no instances", ge.Error())
	assert.Equal(t, "route_not_found: Route not found", errRouteNotFound().Error())
}
