package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestMetricsRegistered verifies that all metrics are exposed by the default registry.
func TestMetricsRegistered(t *testing.T) {
	EncodedTextsTotal.Add(0)
	EncodeBatchDuration.Observe(0.01)
	IndexBuildsTotal.WithLabelValues("ok").Add(0)
	IndexRows.Set(0)
	QueriesTotal.WithLabelValues("ok").Add(0)
	QueryDuration.Observe(0.001)
	SnapshotReloadsTotal.WithLabelValues("ok").Add(0)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}
	expected := map[string]bool{
		"cohort_encoded_texts_total":           false,
		"cohort_encode_batch_duration_seconds": false,
		"cohort_index_builds_total":            false,
		"cohort_index_rows":                    false,
		"cohort_queries_total":                 false,
		"cohort_query_duration_seconds":        false,
		"cohort_snapshot_reloads_total":        false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestQueriesTotalIncrements(t *testing.T) {
	counter := QueriesTotal.WithLabelValues("not_found")
	before := counterValue(t, counter)
	counter.Inc()
	if got := counterValue(t, counter); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}
}

func TestStatus(t *testing.T) {
	if Status(nil) != "ok" || Status(errors.New("x")) != "error" {
		t.Error("unexpected status labels")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
