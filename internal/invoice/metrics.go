package invoice

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records processing outcomes for Prometheus
type Metrics struct {
	outcomes   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	extraction *prometheus.HistogramVec
}

// NewMetrics creates the invoice metrics and registers them. A nil registerer
// means prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice_intake",
			Name:      "reconcile_outcomes_total",
			Help:      "Invoices reconciled with the store, by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice_intake",
			Name:      "failures_total",
			Help:      "Failed processing calls, by error code.",
		}, []string{"code"}),
		extraction: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "invoice_intake",
			Name:      "extraction_duration_seconds",
			Help:      "Time spent extracting invoice data from documents.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"status"}),
	}

	registerer.MustRegister(m.outcomes, m.failures, m.extraction)
	return m
}

func (m *Metrics) observeExtraction(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.extraction.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) observeResult(res *Result) {
	if m == nil {
		return
	}
	if res.Outcome != "" {
		m.outcomes.WithLabelValues(string(res.Outcome)).Inc()
	}
	if !res.Success {
		m.failures.WithLabelValues(string(res.Code)).Inc()
	}
}
