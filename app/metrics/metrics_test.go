package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co5dt/pqueue/app/enums"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.Submitted()
	c.Submitted()
	c.Started()
	c.Finished(enums.JobStatusCompleted, 1.5)
	c.Finished(enums.JobStatusFailed, -1)
	c.Finished(enums.JobStatusFailed, 2)
	c.Restored(3)
	c.SetQueue(4, 1, true)

	assert.InDelta(t, 2, testutil.ToFloat64(c.submitted), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(c.started), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(c.finished.WithLabelValues("completed")), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(c.finished.WithLabelValues("failed")), 0.001)
	assert.InDelta(t, 3, testutil.ToFloat64(c.restored), 0.001)
	assert.InDelta(t, 4, testutil.ToFloat64(c.pending), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(c.running), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(c.paused), 0.001)
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration), "histogram is a single metric")

	c.SetQueue(0, 0, false)
	assert.InDelta(t, 0, testutil.ToFloat64(c.paused), 0.001)
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Submitted()
		c.Started()
		c.Finished(enums.JobStatusCompleted, 1)
		c.Restored(1)
		c.SetQueue(1, 1, true)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.Submitted()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "pqueue_jobs_submitted_total 1"), body)
	assert.Contains(t, body, "go_goroutines")
}
