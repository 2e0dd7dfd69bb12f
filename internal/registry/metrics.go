package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_registry_instances",
			Help: "Number of healthy instances currently cached per service",
		},
		[]string{"service"},
	)

	registryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_registry_refresh_total",
			Help: "Total number of discovery refreshes per service",
		},
		[]string{"service", "result"},
	)
)
