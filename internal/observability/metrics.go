package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the memory engine.
type Metrics struct {
	TurnsSaved           prometheus.Counter
	SaveLatency          prometheus.Histogram
	SearchRequests       *prometheus.CounterVec
	SearchLatency        prometheus.Histogram
	EnrichmentQueueDepth prometheus.Gauge
	EnrichmentOutcomes   *prometheus.CounterVec
	MentionsExtracted    prometheus.Counter
	ConsolidatedTurns    prometheus.Counter
	ConsolidationSpans   *prometheus.CounterVec
	SessionCache         *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsSaved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_saved_total",
			Help:      "Conversational turns durably saved.",
		}),
		SaveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_latency_ms",
			Help:      "Latency of the durable save path in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		SearchRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search requests by outcome (fused, degraded, failed).",
		}, []string{"outcome"}),
		SearchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_latency_ms",
			Help:      "End-to-end hybrid search latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		EnrichmentQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrichment_queue_depth",
			Help:      "Turns waiting in the enrichment queue.",
		}),
		EnrichmentOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_outcomes_total",
			Help:      "Enrichment job outcomes by stage and result.",
		}, []string{"stage", "result"}),
		MentionsExtracted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_mentions_extracted_total",
			Help:      "Entity mentions extracted and stored during enrichment.",
		}),
		ConsolidatedTurns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidated_turns_total",
			Help:      "Turns folded into summaries by consolidation runs.",
		}),
		ConsolidationSpans: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_spans_total",
			Help:      "Consolidation spans by result (committed, failed, skipped).",
		}, []string{"result"}),
		SessionCache: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_total",
			Help:      "Session window cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveSaveLatency(d time.Duration) {
	m.SaveLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSearchLatency(d time.Duration) {
	m.SearchLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
