// Package metrics defines the Prometheus metrics exposed by both the lobby
// server and the admin client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session protocol engine metrics
var (
	SessionStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_state_transitions_total",
			Help: "Session engine state transitions by target state",
		},
		[]string{"state"},
	)

	SessionReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_reconnects_total",
			Help: "Total reconnection attempts started by the session engine",
		},
	)

	SessionHeartbeatMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_heartbeat_misses_total",
			Help: "Heartbeats that did not receive a Pong in time",
		},
	)

	SessionProtocolViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_protocol_violations_total",
			Help: "Inbound envelopes dropped for arriving in the wrong state or with a mismatched game type",
		},
		[]string{"reason"},
	)

	SessionTerminalFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_terminal_failures_total",
			Help: "Reconnection budgets exhausted, requiring manual retry",
		},
	)
)

// Envelope codec metrics
var (
	CodecMalformedEnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codec_malformed_envelopes_total",
			Help: "Frames rejected by the envelope codec, by receiving component",
		},
		[]string{"component"},
	)
)

// Stream window lifecycle metrics
var (
	StreamWindowOpensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_window_opens_total",
			Help: "Stream window open requests that obtained a handle",
		},
	)

	StreamWindowExternalClosesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_window_external_closes_total",
			Help: "Stream windows detected as closed by the user rather than the admin",
		},
	)

	StreamWindowRejectedTogglesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_window_rejected_toggles_total",
			Help: "Visibility toggles rejected because the stream window was not confirmed",
		},
	)
)

// Broadcast synchronization channel metrics
var (
	SyncSignalsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_signals_published_total",
			Help: "Signals published on the cross-window synchronization channel, by kind",
		},
		[]string{"kind"},
	)

	SyncSignalsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_signals_dropped_total",
			Help: "Synchronization signals dropped due to slow subscribers or unknown kinds",
		},
	)
)

// Lobby server metrics
var (
	LobbiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lobbies_active",
			Help: "Number of live lobbies",
		},
	)

	LobbyClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lobby_clients_connected",
			Help: "WebSocket clients connected across all lobbies",
		},
	)

	LobbyInboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_inbound_messages_total",
			Help: "Inbound envelopes processed by lobby actors, by tag",
		},
		[]string{"tag"},
	)
)

// Twitch chat ingestion metrics
var (
	TwitchMessagesRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twitch_messages_relayed_total",
			Help: "Chat messages relayed from Twitch into lobbies",
		},
	)

	TwitchReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twitch_reconnects_total",
			Help: "Reconnections of the Twitch IRC connection",
		},
	)
)

// Redis metrics (populated by the client hooks)
var (
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
