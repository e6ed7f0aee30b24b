package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCompute(t *testing.T) {
	m := New(nil)
	m.ObserveCompute("task", "updated", 50*time.Millisecond)
	m.ObserveCompute("task", "updated", 20*time.Millisecond)
	m.ObserveCompute("job", "conflict", time.Millisecond)

	if got := testutil.ToFloat64(m.Computations.WithLabelValues("task", "updated")); got != 2 {
		t.Errorf("task/updated = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.ComputeDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.EventsIngested.WithLabelValues("http").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `annoreports_events_ingested_total{source="http"} 3`) {
		t.Errorf("metric missing from output:\n%s", body)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	New(nil)
	New(nil)
}
