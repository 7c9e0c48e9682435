package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	discoveryRuns          atomic.Int64
	discoveryErrors        atomic.Int64
	matchesSaved           atomic.Int64
	notificationsSent      atomic.Int64
	notificationsFailed    atomic.Int64
	notifyInconsistencies  atomic.Int64
	matchesPruned          atomic.Int64
	matchesReaped          atomic.Int64
	reaperFailures         atomic.Int64
	lastDiscoveryMatches   atomic.Int64
	lastDiscoveryMillisAvg atomic.Int64
)

func ObserveDiscovery(saved int, errors int, avgMillisPerPatient int64) {
	discoveryRuns.Add(1)
	discoveryErrors.Add(int64(errors))
	matchesSaved.Add(int64(saved))
	lastDiscoveryMatches.Store(int64(saved))
	lastDiscoveryMillisAvg.Store(avgMillisPerPatient)
}

func ObservePruned(count int) {
	matchesPruned.Add(int64(count))
}

func ObserveNotifications(sent, failed int) {
	notificationsSent.Add(int64(sent))
	notificationsFailed.Add(int64(failed))
}

func ObserveNotifyInconsistency() {
	notifyInconsistencies.Add(1)
}

func ObserveReaped(count int, failed bool) {
	matchesReaped.Add(int64(count))
	if failed {
		reaperFailures.Add(1)
	}
}

// Snapshot returns the counters keyed by metric name, mainly for tests.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"discovery_runs":         discoveryRuns.Load(),
		"discovery_errors":       discoveryErrors.Load(),
		"matches_saved":          matchesSaved.Load(),
		"matches_pruned":         matchesPruned.Load(),
		"notifications_sent":     notificationsSent.Load(),
		"notifications_failed":   notificationsFailed.Load(),
		"notify_inconsistencies": notifyInconsistencies.Load(),
		"matches_reaped":         matchesReaped.Load(),
		"reaper_failures":        reaperFailures.Load(),
	}
}

func writeMetric(w http.ResponseWriter, name, kind, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetric(w, "matching_discovery_runs_total", "counter", "Number of discovery runs executed.", discoveryRuns.Load())
	writeMetric(w, "matching_discovery_errors_total", "counter", "Number of per-patient discovery failures.", discoveryErrors.Load())
	writeMetric(w, "matching_matches_saved_total", "counter", "Number of matches upserted by discovery runs.", matchesSaved.Load())
	writeMetric(w, "matching_matches_pruned_total", "counter", "Number of stored matches dropped because a re-check no longer produced them.", matchesPruned.Load())
	writeMetric(w, "matching_last_run_matches", "gauge", "Number of matches meeting the threshold in the latest run.", lastDiscoveryMatches.Load())
	writeMetric(w, "matching_last_run_avg_ms_per_patient", "gauge", "Average milliseconds spent per patient in the latest run.", lastDiscoveryMillisAvg.Load())
	writeMetric(w, "matching_notifications_sent_total", "counter", "Number of match notifications delivered and recorded.", notificationsSent.Load())
	writeMetric(w, "matching_notifications_failed_total", "counter", "Number of match notifications that failed.", notificationsFailed.Load())
	writeMetric(w, "matching_notify_inconsistencies_total", "counter", "Notifications delivered whose notified flag could not be committed.", notifyInconsistencies.Load())
	writeMetric(w, "matching_matches_reaped_total", "counter", "Number of matches removed after patient deletion.", matchesReaped.Load())
	writeMetric(w, "matching_reaper_failures_total", "counter", "Number of deletion reactions that failed to commit.", reaperFailures.Load())
}
