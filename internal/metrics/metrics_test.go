package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_Batch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Batch("users", 900, 60, 40, 20*time.Millisecond)
	m.Batch("users", 100, 0, 0, 5*time.Millisecond)
	m.Retry("users")
	m.TableFailed("orders")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				got[mf.GetName()] += c.GetValue()
			}
		}
	}
	want := map[string]float64{
		"dbferry_migration_rows_processed_total": 1000,
		"dbferry_migration_rows_skipped_total":   60,
		"dbferry_migration_rows_failed_total":    40,
		"dbferry_migration_batches_total":        2,
		"dbferry_migration_batch_retries_total":  1,
		"dbferry_migration_table_failures_total": 1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Batch("t", 1, 0, 0, time.Second)
	m.Retry("t")
	m.TableFailed("t")
}
