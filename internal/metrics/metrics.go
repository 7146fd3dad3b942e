package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerospice_active_sessions",
		Help: "Number of currently open broker sessions.",
	})
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerospice_sessions_opened_total",
		Help: "Total number of sessions opened since startup.",
	})
	SessionsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_sessions_reaped_total",
		Help: "Total number of sessions torn down, by reason.",
	}, []string{"reason"})
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_login_attempts_total",
		Help: "Total login attempts by outcome.",
	}, []string{"outcome"})
	EnrollmentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_enrollment_attempts_total",
		Help: "Total enrollment attempts by phase and outcome.",
	}, []string{"phase", "outcome"})
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerospice_relay_connections",
		Help: "Number of active relayed TCP connections across all sessions.",
	})
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_relay_bytes_total",
		Help: "Total bytes relayed, by direction.",
	}, []string{"direction"})
	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerospice_relay_errors_total",
		Help: "Total relay connection errors.",
	})
	PortAllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerospice_port_allocation_failures_total",
		Help: "Total times ephemeral port allocation was exhausted.",
	})
	HypervisorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_hypervisor_requests_total",
		Help: "Total outbound hypervisor API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
)
