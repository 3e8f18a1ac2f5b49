package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncLabel("Disease")
	r.IncLabel("Disease")
	r.IncRisk("High")
	r.IncSchema("ilpd")
	r.IncSource("api")
	r.SetGauge("stream_clients", 3)
	r.AddImportedRows(10, 2)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Labels["Disease"] != 2 {
		t.Fatalf("expected Disease=2 got=%d", snap.Labels["Disease"])
	}
	if snap.Risks["High"] != 1 {
		t.Fatalf("expected High=1 got=%d", snap.Risks["High"])
	}
	if snap.Schemas["ilpd"] != 1 || snap.Sources["api"] != 1 {
		t.Fatalf("schema/source counts wrong: %+v", snap)
	}
	if snap.Gauges["stream_clients"] != 3 {
		t.Fatalf("expected gauge stream_clients=3 got=%v", snap.Gauges["stream_clients"])
	}
	if snap.ImportedRows != 10 || snap.ImportFailedRows != 2 {
		t.Fatalf("import counters wrong: %+v", snap)
	}
}

func TestInferenceLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveInferenceLatency(10 * time.Millisecond)
	r.ObserveInferenceLatency(30 * time.Millisecond)
	snap := r.Snapshot()
	if snap.InferenceLatencyMS.Count != 2 || snap.InferenceLatencyMS.MaxMS != 30 {
		t.Fatalf("latency stat wrong: %+v", snap.InferenceLatencyMS)
	}
	if snap.InferenceLatencyMS.AvgMS != 20 {
		t.Fatalf("expected avg 20ms, got %v", snap.InferenceLatencyMS.AvgMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/predict", 200, 12*time.Millisecond)
	r.Observe("POST /v1/predict", 500, 20*time.Millisecond)
	r.IncLabel("Disease")
	r.IncRisk("High")
	r.SetGauge("stream_clients", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "livercare_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "livercare_prediction_total{label=\"Disease\"} 1") {
		t.Fatalf("missing prediction metric: %s", body)
	}
	if !strings.Contains(body, "livercare_gauge{name=\"stream_clients\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncLabel("")
	r.IncRisk("")
	r.IncSchema(" ")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\": ") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
