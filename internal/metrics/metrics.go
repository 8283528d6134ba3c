// Package metrics exposes the migration executor's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dbferry"

// Metrics groups the executor counters. The zero value is not usable; a nil
// *Metrics records nothing.
type Metrics struct {
	RowsProcessed *prometheus.CounterVec
	RowsSkipped   *prometheus.CounterVec
	RowsFailed    *prometheus.CounterVec
	Batches       *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	TableFailures *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which suits tests and one-off runs.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      name,
			Help:      help,
		}, []string{"table"})
	}
	m := &Metrics{
		RowsProcessed: counter("rows_processed_total", "Rows written to the target."),
		RowsSkipped:   counter("rows_skipped_total", "Rows dropped by a failed required transformation."),
		RowsFailed:    counter("rows_failed_total", "Rows the target rejected."),
		Batches:       counter("batches_total", "Batches written to the target."),
		Retries:       counter("batch_retries_total", "Batch attempts that were retried."),
		TableFailures: counter("table_failures_total", "Tables that failed to migrate."),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "batch_duration_seconds",
			Help:      "Read, transform and write time per batch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.RowsProcessed, m.RowsSkipped, m.RowsFailed, m.Batches,
			m.Retries, m.TableFailures, m.BatchDuration)
	}
	return m
}

// Batch records one written batch.
func (m *Metrics) Batch(table string, processed, skipped, failed int64, took time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(table).Inc()
	m.RowsProcessed.WithLabelValues(table).Add(float64(processed))
	m.RowsSkipped.WithLabelValues(table).Add(float64(skipped))
	m.RowsFailed.WithLabelValues(table).Add(float64(failed))
	m.BatchDuration.WithLabelValues(table).Observe(took.Seconds())
}

// Retry records one retried batch attempt.
func (m *Metrics) Retry(table string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(table).Inc()
}

// TableFailed records a table that could not be migrated.
func (m *Metrics) TableFailed(table string) {
	if m == nil {
		return
	}
	m.TableFailures.WithLabelValues(table).Inc()
}
