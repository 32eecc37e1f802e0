// Package metrics Prometheus collectors for the notification broker
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission outcomes
const (
	OutcomeAccepted     = "accepted"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
	OutcomeDelivered    = "delivered"
	OutcomeDropped      = "dropped"
	OutcomeRejected     = "rejected"
)

// Eviction reasons
const (
	ReasonSaturated        = "saturated"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonTransportError   = "transport_error"
	ReasonShutdown         = "shutdown"
)

var (
	// ActiveConnections number of admitted connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushgate_active_connections",
		Help: "Number of admitted WebSocket connections",
	})

	// AdmissionsTotal connection attempts by resource class and outcome
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_admissions_total",
			Help: "Total number of connection attempts",
		},
		[]string{"class", "outcome"},
	)

	// FramesDeliveredTotal event frames handed to connection queues
	FramesDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_frames_delivered_total",
			Help: "Total number of event frames handed to connection outbound queues",
		},
		[]string{"class"},
	)

	// FramesReplayedTotal frames sent from the replay window
	FramesReplayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_frames_replayed_total",
			Help: "Total number of event frames sent from the replay window",
		},
		[]string{"class"},
	)

	// EvictionsTotal connections closed by the broker
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_evictions_total",
			Help: "Total number of connections closed by the broker",
		},
		[]string{"reason"},
	)

	// BridgeMessagesTotal bus messages processed by the bridge
	BridgeMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_bridge_messages_total",
			Help: "Total number of bus messages processed by the bridge",
		},
		[]string{"class", "outcome"},
	)

	// BridgeResubscribesTotal times a bridge read loop re-established its subscription
	BridgeResubscribesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_bridge_resubscribes_total",
			Help: "Total number of bus subscription re-establishments",
		},
		[]string{"class"},
	)

	// MalformedPayloadsTotal delivered events whose fields do not fit their kind
	MalformedPayloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_malformed_payloads_total",
			Help: "Total number of bus events delivered with fields not matching their kind",
		},
		[]string{"class", "kind"},
	)

	// PublishesTotal events published through the publish primitive
	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_publishes_total",
			Help: "Total number of events published",
		},
		[]string{"class", "outcome"},
	)

	// DirectoryLookupsTotal user directory lookups by kind and outcome
	DirectoryLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_directory_lookups_total",
			Help: "Total number of user directory lookups",
		},
		[]string{"lookup", "outcome"},
	)

	// DirectoryBreakerState state of the directory circuit breaker (0 closed, 1 half-open, 2 open)
	DirectoryBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushgate_directory_breaker_state",
		Help: "Directory circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)
