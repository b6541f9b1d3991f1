package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signals"

var (
	once sync.Once

	// ReportsSubmittedTotal counts submissions by gate outcome.
	ReportsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "reports_submitted_total",
		Help:      "Report submissions labeled by result (accepted, rate_limited, duplicate, invalid).",
	}, []string{"result"})

	// EngineFailuresTotal counts engine runs that left a report at its last good state.
	EngineFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "failures_total",
		Help:      "Engine runs that failed, labeled by engine.",
	}, []string{"engine"})

	StatusTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Status transitions labeled by target status and outcome.",
	}, []string{"to", "result"})

	AggregationRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "runs_total",
		Help:      "Aggregation passes labeled by result.",
	}, []string{"result"})

	// IssuesChangedTotal counts issue mutations by kind (created, merged, joined).
	IssuesChangedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "issues_changed_total",
		Help:      "Issues created, merged into or joined by single reports.",
	}, []string{"kind"})

	AggregationDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "duration_seconds",
		Help:      "Time spent in one aggregation pass.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	EnrichmentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrichment",
		Name:      "summaries_total",
		Help:      "Issue summarization attempts labeled by result.",
	}, []string{"result"})

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rabbitmq",
		Name:      "connected",
		Help:      "Whether the aggregation subscriber is connected (best-effort).",
	})

	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rabbitmq",
		Name:      "worker_in_flight",
		Help:      "Deliveries being processed by worker goroutines.",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rabbitmq",
		Name:      "processed_total",
		Help:      "Deliveries processed by the subscriber, labeled by result.",
	}, []string{"result"})

	AckErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rabbitmq",
		Name:      "ack_error_total",
		Help:      "RabbitMQ ack and nack errors.",
	})

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency labeled by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Register registers the service metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsSubmittedTotal,
			EngineFailuresTotal,
			StatusTransitionsTotal,
			AggregationRunsTotal,
			IssuesChangedTotal,
			AggregationDurationSeconds,
			EnrichmentTotal,
			RabbitMQConnected,
			WorkerInFlight,
			ProcessedTotal,
			AckErrorTotal,
			HTTPRequestDurationSeconds,
		)
	})
}
