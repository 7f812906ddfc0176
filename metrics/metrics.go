// Package metrics holds the Prometheus collectors of the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ecochat"

var (
	// Connections counts open websocket clients by role ("admin" or "customer").
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open websocket connections by role.",
	}, []string{"role"})

	// Messages counts accepted chat messages by sender type.
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Chat messages accepted by sender type.",
	}, []string{"sender"})

	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_messages_total",
		Help:      "Messages dropped because their id was already stored.",
	})

	AdminsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admins_online",
		Help:      "Admin connections currently online.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Client events rejected by the per-connection limiter.",
	})

	TemplateSuggestions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "template_suggestions_total",
		Help:      "Customer messages that produced auto-reply suggestions.",
	})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_operation_seconds",
		Help:      "Latency of message store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
