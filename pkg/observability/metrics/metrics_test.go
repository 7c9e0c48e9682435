package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWritePrometheusIncludesCounters(t *testing.T) {
	before := Snapshot()["notifications_sent"]
	ObserveNotifications(2, 1)
	if got := Snapshot()["notifications_sent"]; got != before+2 {
		t.Fatalf("expected sent counter to grow by 2, got %d -> %d", before, got)
	}

	rec := httptest.NewRecorder()
	WritePrometheus(rec)
	body := rec.Body.String()
	for _, name := range []string{"matching_notifications_sent_total", "matching_matches_reaped_total", "matching_discovery_runs_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in output", name)
		}
	}
}
