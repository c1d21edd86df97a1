package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EngineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Queue lifecycle operations by operation and result.",
	}, []string{"operation", "result"})

	EngineOperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qms",
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Queue lifecycle operation latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	}, []string{"operation"})

	CallNextRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "engine",
		Name:      "call_next_retries_total",
		Help:      "Call-next attempts retried after losing a status compare-and-swap.",
	})

	NotifierDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "notifier",
		Name:      "deliveries_total",
		Help:      "Snapshots handed to subscriber handlers.",
	})

	NotifierDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "notifier",
		Name:      "dropped_total",
		Help:      "Pending snapshots dropped because a subscriber fell behind.",
	})

	NotifierSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qms",
		Subsystem: "notifier",
		Name:      "subscribers",
		Help:      "Active queue subscriptions.",
	})

	StatsUpdateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "stats",
		Name:      "update_failures_total",
		Help:      "Statistics updates that failed and wait for the nightly rebuild.",
	}, []string{"kind"})

	StatsRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "stats",
		Name:      "rebuilds_total",
		Help:      "Statistics bucket rebuilds by result.",
	}, []string{"result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Lifecycle events handed to the broker by result.",
	}, []string{"result"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Lifecycle events dropped because the relay buffer was full.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status class.",
	}, []string{"method", "route", "status"})

	HTTPRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"scope"})

	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qms",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
