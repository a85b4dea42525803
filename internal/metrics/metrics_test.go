package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_ExposesRecordedMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("ok", "round-robin", false, 0.25)
	c.RecordRequest("blocked", "round-robin", true, 0.1)
	c.SetPoolStats(10, 7, 3)
	c.SetActiveConnections(4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	for _, want := range []string{
		"gengar_requests_total",
		"gengar_blocks_total",
		"gengar_request_duration_seconds",
		"gengar_pool_size 10",
		"gengar_pool_healthy 7",
		"gengar_pool_dead 3",
		"gengar_active_connections 4",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
