// Package metrics wraps github.com/prometheus/client_golang behind the
// small accessor surface the reference repo's hand-rolled registry exposed
// (Counter/Gauge/Histogram constructors plus an HTTP handler), so stage
// workers reach for metrics the same way regardless of what backs them.
// See DESIGN.md for why this replaces the reference repo's stdlib-only
// implementation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets mirrors the reference repo's histogram buckets (seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Registry holds every metric a pipeline process registers, backed by a
// dedicated prometheus.Registry rather than the global default so multiple
// stage processes in one test binary never collide.
type Registry struct {
	reg *prometheus.Registry
	fac promauto.Factory
}

// New creates a Registry pre-populated with the Go runtime and process
// collectors, closing the gap the reference repo's registry left open.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Registry{reg: reg, fac: promauto.With(reg)}
}

// Counter returns a counter vector for name, labeled by labelNames. Call
// WithLabelValues on the result to get the child counter for a label combo,
// e.g. failures.WithLabelValues("transient").Inc().
func (r *Registry) Counter(name, help string, labelNames ...string) *prometheus.CounterVec {
	return r.fac.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
}

// Gauge returns a gauge vector for name.
func (r *Registry) Gauge(name, help string, labelNames ...string) *prometheus.GaugeVec {
	return r.fac.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
}

// Histogram returns a histogram vector for name, using DefaultBuckets when
// buckets is nil.
func (r *Registry) Histogram(name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.fac.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
}

// Handler returns an http.Handler serving /metrics in the Prometheus text
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
