package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 未匹配到路由的请求使用的服务标签
const unmatchedService = "none"

var (
	proxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of inbound requests handled by the proxy",
		},
		[]string{"service", "code"},
	)

	proxyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of proxied requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"service"},
	)

	proxyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Total number of gateway generated error responses",
		},
		[]string{"service", "kind"},
	)
)
