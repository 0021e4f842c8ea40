package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Actor Metrics
var (
	// SessionActorsCurrent tracks session actors alive in this process
	SessionActorsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_actors_current",
			Help: "Number of session actors alive in this process",
		},
	)

	// SessionClientConnections tracks client connections across all sessions
	SessionClientConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_client_connections_current",
			Help: "Current client connections held by session actors",
		},
	)

	// SessionTopicConnections tracks outbound topic links across all sessions
	SessionTopicConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_topic_connections_current",
			Help: "Current outbound topic connections held by session actors",
		},
	)

	// SubscribeAttemptsTotal tracks topic subscription outcomes
	SubscribeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_subscribe_attempts_total",
			Help: "Topic subscription attempts by result",
		},
		[]string{"result"},
	)

	// MessagesForwardedTotal tracks messages relayed by direction
	MessagesForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_messages_forwarded_total",
			Help: "Messages relayed by session actors by direction",
		},
		[]string{"direction"},
	)

	// MessagesDroppedTotal tracks messages that had nowhere to go
	MessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_messages_dropped_total",
			Help: "Messages dropped by session actors by reason",
		},
		[]string{"reason"},
	)

	// SlowClientsEvicted tracks client connections closed because their queue filled
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_slow_clients_evicted_total",
			Help: "Client connections evicted because their send buffer was full or closed",
		},
	)
)

// Topic Actor Metrics
var (
	// TopicActorsCurrent tracks topic shard actors alive in this process
	TopicActorsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "topic_actors_current",
			Help: "Number of topic shard actors alive in this process",
		},
	)

	// TopicConnections tracks connections admitted per topic shard
	TopicConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "topic_connections_current",
			Help: "Current connections admitted by topic shard",
		},
		[]string{"topic", "shard"},
	)

	// TopicAdmissionsRefused tracks refused admissions
	TopicAdmissionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_admissions_refused_total",
			Help: "Connection admissions refused by topic shards",
		},
		[]string{"saturated"},
	)
)

// WebSocket Metrics
var (
	// WebSocketWriteErrors tracks failed frame writes
	WebSocketWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_write_errors_total",
			Help: "Total websocket data frame write failures",
		},
	)

	// WebSocketPingFailures tracks failed keepalive pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total websocket keepalive ping failures",
		},
	)

	// WebSocketUpgradesTotal tracks upgrade requests by endpoint and result
	WebSocketUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_upgrades_total",
			Help: "Websocket upgrade requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)
)
