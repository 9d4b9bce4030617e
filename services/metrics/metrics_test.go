package metricsvc

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
)

func TestMetrics(t *testing.T) {
	m := New("test")
	m.WriteAccepted(record.OpCreate)
	m.WriteAccepted(record.OpCreate)
	m.WriteRejected(record.OpUpdate, core.KindStaleWrite)
	m.PushFailed(record.OpExport, core.KindTransient)
	m.QueueDepth(3)
	m.Pulled(2, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.writes.WithLabelValues("create", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writes.WithLabelValues("update", "StaleWrite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushes.WithLabelValues("export", "TransientNetworkError")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pulled.WithLabelValues("removed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_sync_queue_depth 3`) {
		t.Errorf("metrics output misses the queue depth:\n%s", body)
	}
}
