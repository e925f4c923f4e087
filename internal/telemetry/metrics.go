package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts committed escrow status transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Escrow status transitions by from/to status",
	}, []string{"from", "to"})

	// GatewayFailuresTotal counts payment processor failures.
	GatewayFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_gateway_failures_total",
		Help: "Gateway operation failures by operation and class",
	}, []string{"op", "class"})

	// AutoReleaseSweeps counts auto-release sweep outcomes.
	AutoReleaseSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_auto_release_sweeps_total",
		Help: "Auto-release attempts by outcome",
	}, []string{"outcome"})
)
