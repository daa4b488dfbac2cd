// Package metrics provides Prometheus metrics collection for the chat gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of registered WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgateway_websocket_connections",
		Help: "Current number of registered WebSocket connections",
	})

	// ActiveUsers tracks the current number of users with at least one bound connection
	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgateway_active_users",
		Help: "Current number of authenticated users with live connections",
	})

	// ConnectionsRejected counts connections closed for exceeding a cap, by reason
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_connections_rejected_total",
		Help: "Total number of connections closed by the global or per-user cap",
	}, []string{"reason"})

	// ConnectionsReaped counts connections removed by the idle reaper, by reason
	ConnectionsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_connections_reaped_total",
		Help: "Total number of connections evicted by the idle reaper",
	}, []string{"reason"})

	// MessagesReceived tracks the total number of frames received from clients, by type
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_messages_received_total",
		Help: "Total number of messages received from clients",
	}, []string{"type"})

	// MessagesSent tracks the total number of events sent to clients
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_messages_sent_total",
		Help: "Total number of events sent to clients",
	})

	// MessagesDropped counts events dropped because a send buffer was full or closed
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_messages_dropped_total",
		Help: "Total number of events dropped on full or closed send buffers",
	})

	// MessageErrors tracks error replies by category
	MessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_message_errors_total",
		Help: "Total number of error events sent, by category",
	}, []string{"category"})

	// RateLimited counts user messages rejected by the rate limiter
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_rate_limited_total",
		Help: "Total number of user messages rejected by the rate limiter",
	})

	// AuthFailures counts failed in-band authentications
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_auth_failures_total",
		Help: "Total number of failed authentications",
	})

	// LLMRequests tracks the total number of completion requests by model
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_llm_requests_total",
		Help: "Total number of completion requests by model",
	}, []string{"model"})

	// LLMLatency tracks the duration of a full streamed reply by model
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatgateway_llm_latency_seconds",
		Help:    "Duration of streamed completion replies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	// LLMErrors tracks the total number of completion failures by model
	LLMErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_llm_errors_total",
		Help: "Total number of completion failures by model",
	}, []string{"model"})

	// StreamTokens counts tokens fanned out to clients
	StreamTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_stream_tokens_total",
		Help: "Total number of streamed tokens broadcast",
	})

	// StreamsAbandoned counts streams cancelled because no subscriber remained
	StreamsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_streams_abandoned_total",
		Help: "Total number of assistant streams abandoned with no delivery target",
	})

	// MongoDBOperationDuration tracks store operation latency by operation
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatgateway_mongodb_operation_duration_seconds",
		Help:    "Duration of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// AlertsSent counts delivered alerts by sink
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_alerts_sent_total",
		Help: "Total number of alerts delivered, by sink",
	}, []string{"sink"})

	// AlertsDropped counts alerts suppressed by flood control or failed delivery
	AlertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_alerts_dropped_total",
		Help: "Total number of alerts not delivered, by reason",
	}, []string{"reason"})

	// HTTPRequestDuration tracks HTTP request latency by route and method
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatgateway_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// GoroutinePanics counts panics recovered in background goroutines
	GoroutinePanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgateway_goroutine_panics_total",
		Help: "Total number of recovered goroutine panics, by component",
	}, []string{"component"})
)
