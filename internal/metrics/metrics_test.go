package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterMetricsSnapshotIsCopy(t *testing.T) {
	t.Parallel()
	recorder := NewCounterMetrics()
	recorder.Increment(EventRefreshAttempt)
	recorder.Increment(EventRefreshAttempt)

	snapshot := recorder.Snapshot()
	snapshot[EventRefreshAttempt] = 100

	if recorder.Count(EventRefreshAttempt) != 2 {
		t.Fatalf("expected 2 attempts, got %d", recorder.Count(EventRefreshAttempt))
	}
}

func TestFanoutReachesEveryRecorder(t *testing.T) {
	t.Parallel()
	first := NewCounterMetrics()
	second := NewCounterMetrics()
	Fanout{first, nil, second}.Increment(EventRefreshFailure)

	if first.Count(EventRefreshFailure) != 1 || second.Count(EventRefreshFailure) != 1 {
		t.Fatalf("expected both recorders to count the event")
	}
}

func TestPrometheusMetricsHandlerExposesCounter(t *testing.T) {
	t.Parallel()
	recorder := NewPrometheusMetrics("medsession")
	recorder.Increment(EventRefreshSuccess)

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	body := response.Body.String()
	if !strings.Contains(body, `medsession_session_events_total{event="refresh.success"} 1`) {
		t.Fatalf("expected counter in exposition, got %s", body)
	}
}
