// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's instrument set.
type Metrics struct {
	RecordsFetched     *prometheus.CounterVec
	RecordsStored      *prometheus.CounterVec
	RecordsQuarantined *prometheus.CounterVec
	Chunks             *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	LoadDuration       *prometheus.HistogramVec
}

// New registers the pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histdata",
			Name:      "records_fetched_total",
			Help:      "Records fetched from the vendor, by schema.",
		}, []string{"schema"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histdata",
			Name:      "records_stored_total",
			Help:      "Records written to the database, by schema.",
		}, []string{"schema"}),
		RecordsQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histdata",
			Name:      "records_quarantined_total",
			Help:      "Records rejected to the quarantine sink, by schema.",
		}, []string{"schema"}),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histdata",
			Name:      "chunks_total",
			Help:      "Chunks processed, by schema and outcome.",
		}, []string{"schema", "status"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "histdata",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time spent fetching one chunk.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"schema"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "histdata",
			Name:      "load_duration_seconds",
			Help:      "Wall time spent loading one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"schema"}),
	}

	reg.MustRegister(
		m.RecordsFetched, m.RecordsStored, m.RecordsQuarantined,
		m.Chunks, m.FetchDuration, m.LoadDuration,
	)
	return m
}

// NewNop returns an unregistered instrument set for tests and dry runs.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
