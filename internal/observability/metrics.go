package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion and analytics pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec // labels: source, outcome={success,error,rejected}
	RecordsFetched  *prometheus.CounterVec // labels: source
	RecordsInserted *prometheus.CounterVec // labels: source
	RecordsSkipped  *prometheus.CounterVec // labels: source
	FetchDuration   *prometheus.HistogramVec
	IngestInFlight  *prometheus.GaugeVec

	AnomaliesDetected *prometheus.CounterVec // labels: severity
	ScanDuration      prometheus.Histogram
	ForecastsServed   *prometheus.CounterVec // labels: outcome={ok,insufficient_data,fit_failure}
	SeverityCacheHits *prometheus.CounterVec // labels: result={hit,miss}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RecordsFetched,
		m.RecordsInserted,
		m.RecordsSkipped,
		m.FetchDuration,
		m.IngestInFlight,
		m.AnomaliesDetected,
		m.ScanDuration,
		m.ForecastsServed,
		m.SeverityCacheHits,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "ingest_runs_total",
			Help:      "Ingest runs by source and outcome.",
		}, []string{"source", "outcome"}),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "records_fetched_total",
			Help:      "Normalized records fetched from upstream feeds.",
		}, []string{"source"}),
		RecordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "records_inserted_total",
			Help:      "Novel observations persisted after deduplication.",
		}, []string{"source"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "records_skipped_total",
			Help:      "Records dropped during normalization.",
		}, []string{"source"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flutracker",
			Name:      "fetch_duration_seconds",
			Help:      "Upstream fetch duration per source, including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		IngestInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flutracker",
			Name:      "ingest_in_flight",
			Help:      "1 while an ingest run is in flight for the source.",
		}, []string{"source"}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "anomalies_detected_total",
			Help:      "Anomalies appended per scan, by severity.",
		}, []string{"severity"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flutracker",
			Name:      "anomaly_scan_duration_seconds",
			Help:      "Duration of a full anomaly scan across all series.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		ForecastsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "forecasts_served_total",
			Help:      "Forecast requests by outcome.",
		}, []string{"outcome"}),
		SeverityCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "severity_cache_total",
			Help:      "Severity score cache lookups by result.",
		}, []string{"result"}),
	}
}
