// Package metrics exposes upload pipeline counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors used by the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	uploads     *prometheus.CounterVec
	createTime  prometheus.Histogram
	fetches     *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videonote",
			Name:      "uploads_total",
			Help:      "Upload attempts by outcome.",
		}, []string{"outcome"}),
		createTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videonote",
			Name:      "annotation_create_seconds",
			Help:      "Latency of remote annotation create calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videonote",
			Name:      "fetches_total",
			Help:      "Attachment fetches by source.",
		}, []string{"source"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videonote",
			Name:      "uploaded_bytes_total",
			Help:      "Raw bytes of successfully persisted videos.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.uploads, m.createTime, m.fetches, m.uploadBytes)
	}
	return m
}

// Upload counts one finished attempt.
func (m *Metrics) Upload(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

// CreateLatency observes one remote create call.
func (m *Metrics) CreateLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.createTime.Observe(d.Seconds())
}

// Fetch counts a fetch served from "cache" or "remote".
func (m *Metrics) Fetch(source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source).Inc()
}
