package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("api", "cache", 250*time.Millisecond)

	families := gather(t, rec, "swgate_fetch_requests_total", "swgate_fetch_duration_seconds")

	counter := findMetric(t, families["swgate_fetch_requests_total"], map[string]string{
		"route":  "api",
		"source": "cache",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for fetch requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["swgate_fetch_duration_seconds"], map[string]string{
		"route":  "api",
		"source": "cache",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup("weather-api-v1", CacheLookupStale, 10*time.Millisecond)
	rec.ObserveCacheStore("weather-api-v1", CacheStoreStored, 5*time.Millisecond)
	rec.ObserveCacheDelete("meghbarta-v0", nil)

	families := gather(t, rec, "swgate_cache_operations_total", "swgate_cache_operation_duration_seconds")

	lookupMetric := findMetric(t, families["swgate_cache_operations_total"], map[string]string{
		"cache":     "weather-api-v1",
		"operation": string(CacheOperationLookup),
		"result":    string(CacheLookupStale),
	})
	if got := lookupMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	storeMetric := findMetric(t, families["swgate_cache_operations_total"], map[string]string{
		"cache":     "weather-api-v1",
		"operation": string(CacheOperationStore),
		"result":    string(CacheStoreStored),
	})
	if got := storeMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}

	deleteMetric := findMetric(t, families["swgate_cache_operations_total"], map[string]string{
		"cache":     "meghbarta-v0",
		"operation": string(CacheOperationDelete),
		"result":    "deleted",
	})
	if got := deleteMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected delete counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["swgate_cache_operation_duration_seconds"], map[string]string{
		"cache":     "weather-api-v1",
		"operation": string(CacheOperationStore),
		"result":    string(CacheStoreStored),
	})
	hist := latencyMetric.GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderLifecycleEventsAndClients(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveLifecycle("activated")
	rec.ObserveLifecycle("activated")
	rec.ObserveEvent("push", "ok")
	rec.ObserveEvent("", "unhandled")
	rec.SetClients(3)

	families := gather(t, rec, "swgate_lifecycle_transitions_total", "swgate_events_total", "swgate_clients_connected")

	lifecycle := findMetric(t, families["swgate_lifecycle_transitions_total"], map[string]string{"state": "activated"})
	if got := lifecycle.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 activations, got %v", got)
	}
	unknown := findMetric(t, families["swgate_events_total"], map[string]string{"kind": "unknown", "result": "unhandled"})
	if got := unknown.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected unknown kind counter 1, got %v", got)
	}
	gauge := families["swgate_clients_connected"][0].GetGauge()
	if gauge.GetValue() != 3 {
		t.Fatalf("expected 3 clients, got %v", gauge.GetValue())
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveFetch("api", "network", time.Millisecond)
	rec.ObserveCacheLookup("c", CacheLookupHit, 0)
	rec.ObserveCacheStore("c", CacheStoreError, 0)
	rec.ObserveCacheDelete("c", nil)
	rec.ObserveLifecycle("installing")
	rec.ObserveEvent("sync", "ok")
	rec.SetClients(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

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
