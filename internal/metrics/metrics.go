// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_processed_total",
		Help: "Inbound messages processed, by terminal outcome",
	}, []string{"outcome"})

	PushRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_push_rejected_total",
		Help: "Inbound HTTP requests rejected before enqueue, by reason",
	}, []string{"reason"})

	GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gateway_reconnects_total",
		Help: "Gateway reconnect attempts",
	})

	CallbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_backend_callback_failures_total",
		Help: "Terminal callbacks that could not be delivered to the backend",
	})

	ChatRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chat_retries_total",
		Help: "chat.send attempts beyond the first",
	})

	// Gauges
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_length",
		Help: "Messages waiting in the in-memory queue",
	})

	QueueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_in_flight",
		Help: "Messages currently being processed",
	})

	GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_gateway_connected",
		Help: "1 while a validated gateway hello is published",
	})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_breaker_open",
		Help: "1 while the named backend circuit breaker is open",
	}, []string{"path"})
)

// Rejection reasons for PushRejected.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonRateLimited  = "rate_limited"
	ReasonBusy         = "busy"
	ReasonValidation   = "validation"
	ReasonQueueFull    = "queue_full"
	ReasonShuttingDown = "shutting_down"
)
