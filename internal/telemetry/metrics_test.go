package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObserveWorkerTaskIncrementsCounter(t *testing.T) {
	m := NewMetrics()
	m.ObserveWorkerTask("root1", "parsed", 10*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), "sari_worker_tasks_total")
}

func TestObserveSearchRecordsPartial(t *testing.T) {
	m := NewMetrics()
	m.ObserveSearch("fts", true, "root1", 5*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), "sari_search_partial_total")
}

func TestSetQueueDepthExposesGauge(t *testing.T) {
	m := NewMetrics()
	m.SetQueueDepth("root1", "fair", 7)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), "sari_queue_depth")
}
