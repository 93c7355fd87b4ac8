package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Upload("uploaded", 2048)
	m.Upload("wrong_type", 0)
	m.Upload("uploaded", 10)
	m.Fetch("cache")
	m.CreateLatency(120 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploads.WithLabelValues("uploaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("wrong_type")))
	assert.Equal(t, 2058.0, testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("cache")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.createTime))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Upload("uploaded", 1)
	m.CreateLatency(time.Second)
	m.Fetch("remote")
}
