package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveCollapseAndSync(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCollapse(CollapseWriter)
	rec.ObserveCollapse(CollapseReader)
	rec.ObserveCollapse(CollapseReader)
	rec.ObserveSync(SyncAnchored)

	families := gather(t, rec, "store_collapse_elections_total", "store_collapse_syncs_total")

	readers := findMetric(t, families["store_collapse_elections_total"], map[string]string{"outcome": "reader"})
	if got := readers.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected reader counter 2, got %v", got)
	}
	anchored := findMetric(t, families["store_collapse_syncs_total"], map[string]string{"outcome": "anchored"})
	if got := anchored.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected anchored counter 1, got %v", got)
	}
}

func TestRecorderObserveCopy(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCopy(CopyFromMemory, 10*time.Millisecond)

	families := gather(t, rec, "store_client_copies_total", "store_client_copy_duration_seconds")

	counter := findMetric(t, families["store_client_copies_total"], map[string]string{"source": "memory"})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected copy counter 1, got %v", got)
	}

	histMetric := findMetric(t, families["store_client_copy_duration_seconds"], map[string]string{"source": "memory"})
	hist := histMetric.GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.01); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.01, got %v", hist.GetSampleSum())
	}
}

func TestRecorderNilReceiverIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveBroadcast()
	rec.ObserveNotifyDrop()
	rec.ObserveQuickAbort()
	rec.ObserveSwapOut(128)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveSwapOut(64)
	rec.ObserveSwapIn(64)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
