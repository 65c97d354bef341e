package lsp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes recorded in wordls_lsp_requests_total.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
	outcomeDropped  = "dropped"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	openDocuments   prometheus.Gauge
	completionItems prometheus.Histogram
}

// NewMetrics registers the server collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: method, outcome (ok, error, rejected, dropped)
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wordls",
			Subsystem: "lsp",
			Name:      "requests_total",
			Help:      "Inbound LSP messages by method and outcome",
		}, []string{"method", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wordls",
			Subsystem: "lsp",
			Name:      "request_duration_seconds",
			Help:      "Handler latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
		openDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wordls",
			Subsystem: "lsp",
			Name:      "open_documents",
			Help:      "Documents currently open",
		}),
		completionItems: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wordls",
			Subsystem: "lsp",
			Name:      "completion_items",
			Help:      "Items returned per completion request",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
}

func (m *Metrics) observeRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) countRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) setOpenDocuments(n int) {
	if m == nil {
		return
	}
	m.openDocuments.Set(float64(n))
}

func (m *Metrics) observeCompletion(n int) {
	if m == nil {
		return
	}
	m.completionItems.Observe(float64(n))
}
