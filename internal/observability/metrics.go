// Package observability provides Prometheus metrics for embedding, index builds and queries.
package observability

import "github.com/prometheus/client_golang/prometheus"

// BatchBuckets covers encoder batches, from a few milliseconds on the mock encoder
// to tens of seconds for a full 512-token batch on CPU.
var BatchBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30}

var (
	// EncodedTextsTotal counts sentences embedded and written to the record store.
	EncodedTextsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cohort_encoded_texts_total",
			Help: "Sentences embedded",
		},
	)

	// EncodeBatchDuration records the time to encode and persist one batch.
	EncodeBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cohort_encode_batch_duration_seconds",
			Help:    "Encode batch duration",
			Buckets: BatchBuckets,
		},
	)

	// IndexBuildsTotal counts index builds by outcome (ok, error).
	IndexBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_index_builds_total",
			Help: "Index builds",
		},
		[]string{"status"},
	)

	// IndexRows is the row count of the most recently built or loaded index.
	IndexRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cohort_index_rows",
			Help: "Rows in the live index",
		},
	)

	// QueriesTotal counts similarity queries by outcome (ok, not_found, invalid, error).
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_queries_total",
			Help: "Similarity queries",
		},
		[]string{"outcome"},
	)

	// QueryDuration records similarity query latency in seconds.
	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cohort_query_duration_seconds",
			Help:    "Similarity query duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SnapshotReloadsTotal counts index reloads by outcome (ok, error).
	SnapshotReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_snapshot_reloads_total",
			Help: "Index snapshot reloads",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		EncodedTextsTotal,
		EncodeBatchDuration,
		IndexBuildsTotal,
		IndexRows,
		QueriesTotal,
		QueryDuration,
		SnapshotReloadsTotal,
	)
}

// Status returns the outcome label for err.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
