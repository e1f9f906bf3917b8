package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/model"
)

func TestMetrics_Recorder(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.OutputMerged(true, 0.01, 2*time.Second)
	m.OutputMerged(true, 0.02, time.Second)
	m.OutputMerged(false, 0, 10*time.Millisecond)
	m.InFlight(3)
	m.InFlight(-1)
	m.FlushFailed(false)
	m.FlushFailed(true)
	m.FlushFailed(true)
	m.RunFinished(model.InstanceStatusCompleted, time.Minute)

	assert.InDelta(t, 2, testutil.ToFloat64(m.outputs.WithLabelValues("success")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.outputs.WithLabelValues("failure")), 1e-9)
	assert.InDelta(t, 0.03, testutil.ToFloat64(m.cost), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(m.inFlight), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.flushFailed.WithLabelValues("false")), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(m.flushFailed.WithLabelValues("true")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("completed")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(m.callDuration))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.RunFinished(model.InstanceStatusFailed, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `reasoning_runs_total{status="failed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
