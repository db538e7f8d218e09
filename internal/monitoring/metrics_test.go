package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.ActionIssued("measure")
	c.ReadingRecorded(true)
	c.RoundDispatched("complete", 2)
	c.OutputTask("persisted")
	c.Forwarded(false)
	c.ObservePersist(0.1)
	c.SetDevices(1, 2)
	c.SetOperational(false)
}

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ActionIssued("measure")
	c.ActionIssued("measure")
	c.RoundDispatched("stale", 3)
	c.SetOperational(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Actions.WithLabelValues("measure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.RoundsDispatched.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Operational))

	again, err := NewCollector(reg)
	require.NoError(t, err)
	assert.Same(t, c.Actions, again.Actions)
}

func TestCollector_HandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.SetDevices(3, 2)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `uwbsync_devices{kind="anchor"} 3`)
}
