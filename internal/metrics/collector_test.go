package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordCompile("ok")
	c.RecordCompile("ok")
	c.RecordCompile("compile_error")
	c.RecordCall("process", "ok", 10*time.Millisecond)
	c.RecordViolation("security")
	c.RecordRetry("http.get")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.compilesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compilesTotal.WithLabelValues("compile_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("process", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violationsTotal.WithLabelValues("security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retriesTotal.WithLabelValues("http.get")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCompile("ok")
		c.RecordCall("init", "ok", time.Second)
		c.RecordViolation("access")
		c.RecordRetry("storage.find_user")
	})
}
