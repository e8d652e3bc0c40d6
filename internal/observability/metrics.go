package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter

	chunksAccepted prometheus.Counter
	chunksRejected *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadDuration prometheus.Histogram

	tabulationTotal    *prometheus.CounterVec
	tabulationDuration prometheus.Histogram

	teardownTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tally_sessions_active",
					Help: "Current number of live contest sessions.",
				},
			),
			sessionsCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tally_sessions_created_total",
					Help: "Total contest sessions created.",
				},
			),
			chunksAccepted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tally_chunks_accepted_total",
					Help: "Total upload chunks appended to session data files.",
				},
			),
			chunksRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tally_chunks_rejected_total",
					Help: "Total upload chunks rejected by reason.",
				},
				[]string{"reason"},
			),
			uploadBytes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tally_upload_bytes_total",
					Help: "Total bytes appended to session data files.",
				},
			),
			uploadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tally_upload_duration_seconds",
					Help:    "Chunk append duration in seconds, including fsync.",
					Buckets: prometheus.DefBuckets,
				},
			),
			tabulationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tally_tabulations_total",
					Help: "Total tabulation runs by status.",
				},
				[]string{"status"},
			),
			tabulationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tally_tabulation_duration_seconds",
					Help:    "Tabulation engine run duration in seconds.",
					Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			teardownTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tally_teardowns_total",
					Help: "Total session teardowns by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsCreated,
			m.chunksAccepted,
			m.chunksRejected,
			m.uploadBytes,
			m.uploadDuration,
			m.tabulationTotal,
			m.tabulationDuration,
			m.teardownTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the default Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

func RecordChunkAccepted(bytes int64, duration time.Duration) {
	m := getMetrics()
	m.chunksAccepted.Inc()
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(duration.Seconds())
}

// RecordChunkRejected counts a refused chunk. reason is one of
// "not_found", "unexpected_chunk" or "storage".
func RecordChunkRejected(reason string) {
	getMetrics().chunksRejected.WithLabelValues(reason).Inc()
}

func RecordTabulation(duration time.Duration, success bool) {
	m := getMetrics()
	m.tabulationTotal.WithLabelValues(statusLabel(success)).Inc()
	m.tabulationDuration.Observe(duration.Seconds())
}

func RecordTeardown(success bool) {
	getMetrics().teardownTotal.WithLabelValues(statusLabel(success)).Inc()
}
