package worker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/archivesum/pipeline/pkg/metrics"
)

func TestMetricsIncrement(t *testing.T) {
	m := NewMetrics(metrics.New())
	m.Increment("failures_total", map[string]string{"stage": "chunk", "error_type": "transient"})
	m.Increment("failures_total", map[string]string{"stage": "chunk", "error_type": "transient"})

	c := m.counters["failures_total"]
	got := testutil.ToFloat64(c.WithLabelValues("transient", "chunk"))
	if got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestMetricsObserve(t *testing.T) {
	m := NewMetrics(metrics.New())
	m.Observe("processing_duration_seconds", 1.5, map[string]string{"stage": "embed"})

	h := m.histograms["processing_duration_seconds"]
	if h == nil {
		t.Fatal("expected histogram to be created")
	}
}

func TestMetricsGauge(t *testing.T) {
	m := NewMetrics(metrics.New())
	m.Gauge("queue_depth", 42, map[string]string{"stage": "report"})

	g := m.gauges["queue_depth"]
	got := testutil.ToFloat64(g.WithLabelValues("report"))
	if got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestMetricsTagOrderingIsStable(t *testing.T) {
	m := NewMetrics(metrics.New())
	// Keys inserted in different map iteration order must still resolve
	// to the same label combination since tagNamesAndValues sorts keys.
	m.Increment("events_total", map[string]string{"b": "2", "a": "1"})

	c := m.counters["events_total"]
	got := testutil.ToFloat64(c.WithLabelValues("1", "2"))
	if got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}
