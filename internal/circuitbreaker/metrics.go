package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half_open)",
		},
		[]string{"service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_requests_total",
			Help: "Total number of calls executed through circuit breakers",
		},
		[]string{"service", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"service", "from", "to"},
	)

	breakerRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejected_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"service"},
	)
)

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func recordState(service string, s State) {
	breakerState.WithLabelValues(service).Set(stateValue(s))
}

func recordStateChange(service string, from, to State) {
	breakerStateChanges.WithLabelValues(service, string(from), string(to)).Inc()
}

func recordResult(service, result string) {
	breakerRequests.WithLabelValues(service, result).Inc()
}

func recordRejected(service string) {
	breakerRequests.WithLabelValues(service, "rejected").Inc()
	breakerRejected.WithLabelValues(service).Inc()
}
