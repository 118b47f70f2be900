// Package metrics регистрирует Prometheus-коллекторы сервиса в default
// registry; /metrics отдается через promhttp в сборке API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WSConnections — текущее число соединений на учете в хабе.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conversa",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Current number of registered WebSocket connections.",
	})

	// EventsIn — входящие события по типам, включая unknown.
	EventsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversa",
		Subsystem: "ws",
		Name:      "events_in_total",
		Help:      "Incoming WebSocket events by type.",
	}, []string{"type"})

	// MessagesSent — закоммиченные сообщения (без дублей).
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conversa",
		Subsystem: "chat",
		Name:      "messages_sent_total",
		Help:      "Messages persisted and broadcast.",
	})

	// MessagesDuplicated — ретраи, пойманные проверкой идемпотентности.
	MessagesDuplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conversa",
		Subsystem: "chat",
		Name:      "messages_duplicated_total",
		Help:      "Send retries answered from the already-persisted row.",
	})

	// StatusTransitions — реально изменившиеся отметки по типам.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversa",
		Subsystem: "chat",
		Name:      "status_transitions_total",
		Help:      "Delivery state transitions that changed rows.",
	}, []string{"type"})

	// UndeliveredFlushed — сообщения, отданные бёрстом при подключении.
	UndeliveredFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conversa",
		Subsystem: "chat",
		Name:      "undelivered_flushed_total",
		Help:      "Messages pushed in undelivered bursts on connect.",
	})

	// SendDuration — длительность транзакции конвейера доставки.
	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conversa",
		Subsystem: "chat",
		Name:      "send_duration_seconds",
		Help:      "Message persist transaction latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// HTTPDuration — латентность REST-запросов.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conversa",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
