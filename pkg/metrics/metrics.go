package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	label            map[string]int64
	risk             map[string]int64
	schema           map[string]int64
	source           map[string]int64
	gauges           map[string]float64
	importedRows     int64
	importFailedRows int64
	inferenceLatency InferenceLatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type InferenceLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Labels             map[string]int64        `json:"labels"`
	Risks              map[string]int64        `json:"risks"`
	Schemas            map[string]int64        `json:"schemas"`
	Sources            map[string]int64        `json:"sources"`
	Gauges             map[string]float64      `json:"gauges"`
	ImportedRows       int64                   `json:"imported_rows_total"`
	ImportFailedRows   int64                   `json:"import_failed_rows_total"`
	InferenceLatencyMS InferenceLatencyStat    `json:"inference_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		label:      map[string]int64{},
		risk:       map[string]int64{},
		schema:     map[string]int64{},
		source:     map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncLabel(label string) {
	if label == "" {
		return
	}
	r.mu.Lock()
	r.label[label]++
	r.mu.Unlock()
}

func (r *Registry) IncRisk(risk string) {
	if risk == "" {
		return
	}
	r.mu.Lock()
	r.risk[risk]++
	r.mu.Unlock()
}

func (r *Registry) IncSchema(schema string) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return
	}
	r.mu.Lock()
	r.schema[schema]++
	r.mu.Unlock()
}

func (r *Registry) IncSource(source string) {
	source = strings.TrimSpace(source)
	if source == "" {
		return
	}
	r.mu.Lock()
	r.source[source]++
	r.mu.Unlock()
}

func (r *Registry) AddImportedRows(ok, failed int64) {
	if ok < 0 {
		ok = 0
	}
	if failed < 0 {
		failed = 0
	}
	r.mu.Lock()
	r.importedRows += ok
	r.importFailedRows += failed
	r.mu.Unlock()
}

func (r *Registry) ObserveInferenceLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inferenceLatency.Count++
	r.inferenceLatency.TotalMS += ms
	r.inferenceLatency.LastMS = ms
	if ms > r.inferenceLatency.MaxMS {
		r.inferenceLatency.MaxMS = ms
	}
	r.inferenceLatency.AvgMS = float64(r.inferenceLatency.TotalMS) / float64(r.inferenceLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Labels:           make(map[string]int64, len(r.label)),
		Risks:            make(map[string]int64, len(r.risk)),
		Schemas:          make(map[string]int64, len(r.schema)),
		Sources:          make(map[string]int64, len(r.source)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		ImportedRows:     r.importedRows,
		ImportFailedRows: r.importFailedRows,
		InferenceLatencyMS: InferenceLatencyStat{
			Count:   r.inferenceLatency.Count,
			TotalMS: r.inferenceLatency.TotalMS,
			MaxMS:   r.inferenceLatency.MaxMS,
			LastMS:  r.inferenceLatency.LastMS,
			AvgMS:   r.inferenceLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.label {
		out.Labels[k] = v
	}
	for k, v := range r.risk {
		out.Risks[k] = v
	}
	for k, v := range r.schema {
		out.Schemas[k] = v
	}
	for k, v := range r.source {
		out.Sources[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP livercare_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE livercare_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "livercare_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP livercare_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE livercare_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "livercare_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP livercare_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE livercare_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "livercare_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP livercare_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE livercare_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "livercare_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP livercare_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE livercare_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "livercare_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP livercare_prediction_total predictions by label\n")
		b.WriteString("# TYPE livercare_prediction_total counter\n")
		for _, label := range SortedKeys(snap.Labels) {
			fmt.Fprintf(b, "livercare_prediction_total{label=%q} %d\n", label, snap.Labels[label])
		}
		b.WriteString("# HELP livercare_risk_total predictions by risk level\n")
		b.WriteString("# TYPE livercare_risk_total counter\n")
		for _, risk := range SortedKeys(snap.Risks) {
			fmt.Fprintf(b, "livercare_risk_total{risk=%q} %d\n", risk, snap.Risks[risk])
		}
		b.WriteString("# HELP livercare_schema_total predictions by lab panel schema\n")
		b.WriteString("# TYPE livercare_schema_total counter\n")
		for _, schema := range SortedKeys(snap.Schemas) {
			fmt.Fprintf(b, "livercare_schema_total{schema=%q} %d\n", schema, snap.Schemas[schema])
		}
		b.WriteString("# HELP livercare_source_total predictions by intake source\n")
		b.WriteString("# TYPE livercare_source_total counter\n")
		for _, source := range SortedKeys(snap.Sources) {
			fmt.Fprintf(b, "livercare_source_total{source=%q} %d\n", source, snap.Sources[source])
		}
		b.WriteString("# HELP livercare_gauge operational gauge metrics\n")
		b.WriteString("# TYPE livercare_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "livercare_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP livercare_latency_seconds latency histogram\n")
			b.WriteString("# TYPE livercare_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "livercare_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "livercare_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "livercare_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "livercare_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "livercare_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "livercare_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "livercare_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP livercare_inference_latency_ms remote model latency in ms\n")
		b.WriteString("# TYPE livercare_inference_latency_ms gauge\n")
		fmt.Fprintf(b, "livercare_inference_latency_ms{stat=%q} %d\n", "last", snap.InferenceLatencyMS.LastMS)
		fmt.Fprintf(b, "livercare_inference_latency_ms{stat=%q} %.3f\n", "avg", snap.InferenceLatencyMS.AvgMS)
		fmt.Fprintf(b, "livercare_inference_latency_ms{stat=%q} %d\n", "max", snap.InferenceLatencyMS.MaxMS)

		b.WriteString("# HELP livercare_import_rows_total bulk import rows by outcome\n")
		b.WriteString("# TYPE livercare_import_rows_total counter\n")
		fmt.Fprintf(b, "livercare_import_rows_total{outcome=%q} %d\n", "imported", snap.ImportedRows)
		fmt.Fprintf(b, "livercare_import_rows_total{outcome=%q} %d\n", "failed", snap.ImportFailedRows)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
