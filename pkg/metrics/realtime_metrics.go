package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime metrics for monitoring the connection, message and call lifecycle
var (
	// Connection lifecycle metrics
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connection_state",
		Help: "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
	})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	})

	ConnectionDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connection_drops_total",
		Help: "Total number of connection drops",
	}, []string{"reason"}) // "read_error", "write_error", "handshake"

	// Outbound command queue metrics
	CommandsQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_commands_queued_total",
		Help: "Total number of commands queued while the connection was down",
	})

	CommandsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_commands_dropped_total",
		Help: "Total number of queued commands dropped at capacity",
	})

	// Message lifecycle metrics
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_sent_total",
		Help: "Total number of messages sent",
	}, []string{"message_type"})

	MessagesConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_confirmed_total",
		Help: "Total number of provisional messages confirmed by the backend",
	})

	MessagesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_failed_total",
		Help: "Total number of messages marked failed after the confirmation timeout",
	})

	MessagesDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_duplicate_total",
		Help: "Total number of duplicate message deliveries discarded",
	})

	ReactionsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_reactions_applied_total",
		Help: "Total number of reaction patches applied",
	}, []string{"op"}) // "add", "remove"

	// Dispatcher metrics
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of events published to subscribers",
	}, []string{"kind"})

	EventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_deduped_total",
		Help: "Total number of duplicate event deliveries filtered",
	})

	// Presence metrics
	PresenceOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_presence_online_users",
		Help: "Current number of members tracked as online",
	})

	// Call lifecycle metrics
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_calls_total",
		Help: "Total number of call sessions by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: "completed", "rejected", "failed", "busy"
)
