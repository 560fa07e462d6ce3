package worker

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archivesum/pipeline/pkg/metrics"
)

// Metrics is the operation surface spec §4.5 names for stage workers:
// increment(name, tags), observe(name, value, tags), gauge(name, value,
// tags). It is a thin, dynamically-labeled layer over pkg/metrics' typed
// vectors — the first call for a given name fixes its tag-key set, since
// Prometheus vectors are labeled at registration time.
type Metrics struct {
	reg *metrics.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewMetrics builds a Metrics collector backed by reg.
func NewMetrics(reg *metrics.Registry) *Metrics {
	return &Metrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func tagNamesAndValues(tags map[string]string) ([]string, []string) {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, k := range names {
		values[i] = tags[k]
	}
	return names, values
}

// Increment adds 1 to the counter name, creating it on first use with tags'
// keys as its label set. A nil Metrics is a no-op, so stages can be built
// and tested without wiring a registry.
func (m *Metrics) Increment(name string, tags map[string]string) {
	if m == nil {
		return
	}
	names, values := tagNamesAndValues(tags)

	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = m.reg.Counter(name, "stage worker counter: "+name, names...)
		m.counters[name] = c
	}
	m.mu.Unlock()

	c.WithLabelValues(values...).Inc()
}

// Observe records value in the histogram name, creating it on first use.
func (m *Metrics) Observe(name string, value float64, tags map[string]string) {
	if m == nil {
		return
	}
	names, values := tagNamesAndValues(tags)

	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = m.reg.Histogram(name, "stage worker histogram: "+name, nil, names...)
		m.histograms[name] = h
	}
	m.mu.Unlock()

	h.WithLabelValues(values...).Observe(value)
}

// Gauge sets the gauge name to value, creating it on first use.
func (m *Metrics) Gauge(name string, value float64, tags map[string]string) {
	if m == nil {
		return
	}
	names, values := tagNamesAndValues(tags)

	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = m.reg.Gauge(name, "stage worker gauge: "+name, names...)
		m.gauges[name] = g
	}
	m.mu.Unlock()

	g.WithLabelValues(values...).Set(value)
}
