package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/idmarkers/msearcher/internal/cache"
	"github.com/idmarkers/msearcher/internal/markers"
	"github.com/idmarkers/msearcher/internal/output"
	"github.com/idmarkers/msearcher/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	jobs   *JobManager
	cache  *cache.Manager
}

// writeProfile writes a 300 x 20 noise profile in which G0001..G0004 follow
// G0000.
func writeProfile(t *testing.T) string {
	t.Helper()
	state := uint64(14)
	next := func() float64 {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		return float64((z^(z>>31))>>11) / (1 << 53)
	}

	var b strings.Builder
	b.WriteString("gene")
	for j := 0; j < 20; j++ {
		fmt.Fprintf(&b, "\tS%02d", j)
	}
	b.WriteByte('\n')
	first := make([]float64, 20)
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "G%04d", i)
		for j := 0; j < 20; j++ {
			v := next()
			switch {
			case i == 0:
				first[j] = v
			case i <= 4:
				v = first[j] + (v-0.5)*1e-6
			}
			b.WriteString("\t" + strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte('\n')
	}

	p := filepath.Join(t.TempDir(), "profile.txt")
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("failed to write profile: %v", err)
	}
	return p
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		MatrixEntries: 4,
		ResultSizeMB:  8,
		ResultTTL:     5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	search := markers.DefaultOptions()
	search.Workers = 4
	svc := service.NewDatasetService(service.DatasetServiceConfig{
		DatasetID:   "demo",
		Name:        "Demo profile",
		ProfilePath: writeProfile(t),
		Search:      search,
		Cache:       cacheManager,
	})

	registry := NewDatasetRegistry("demo", []string{"demo"}, "")
	registry.Register("demo", svc)

	jobs, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	jobs.Executor = service.NewSearchService(registry, cacheManager, nil).ExecuteSearchJob
	jobs.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jobs,
		Cache:       cacheManager,
	})

	ts := &testServer{
		server: httptest.NewServer(router),
		jobs:   jobs,
		cache:  cacheManager,
	}
	t.Cleanup(func() {
		ts.server.Close()
		ts.jobs.Stop()
		ts.cache.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rd)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, data
}

func (ts *testServer) getJSON(t *testing.T, path string, want int) map[string]any {
	t.Helper()
	code, data := ts.do(t, http.MethodGet, path, nil)
	if code != want {
		t.Fatalf("GET %s: expected %d, got %d: %s", path, want, code, data)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	return payload
}

func (ts *testServer) submit(t *testing.T, body interface{}) string {
	t.Helper()
	code, data := ts.do(t, http.MethodPost, "/d/demo/api/search/jobs", body)
	if code != http.StatusAccepted {
		t.Fatalf("expected %d, got %d: %s", http.StatusAccepted, code, data)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	id, _ := payload["job_id"].(string)
	if id == "" {
		t.Fatalf("no job_id in %s", data)
	}
	return id
}

// wait polls the job until it leaves the queued and running states.
func (ts *testServer) wait(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		payload := ts.getJSON(t, "/d/demo/api/search/jobs/"+id, http.StatusOK)
		switch payload["status"] {
		case "queued", "running":
			time.Sleep(20 * time.Millisecond)
		default:
			return payload
		}
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || string(body) != "OK" {
		t.Errorf("unexpected health response %d %q", code, body)
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	stats := ts.getJSON(t, "/api/cache_stats", http.StatusOK)
	if stats["matrix_cache_len"] != float64(0) {
		t.Errorf("expected an empty matrix cache, got %v", stats)
	}

	ts.getJSON(t, "/d/demo/api/genes?limit=1", http.StatusOK)
	stats = ts.getJSON(t, "/api/cache_stats", http.StatusOK)
	if stats["matrix_cache_len"] != float64(1) {
		t.Errorf("expected the loaded profile to be cached, got %v", stats)
	}
	if _, ok := stats["result_cache_cap"]; !ok {
		t.Errorf("missing result_cache_cap in %v", stats)
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	payload := ts.getJSON(t, "/api/datasets", http.StatusOK)

	if payload["default"] != "demo" || payload["title"] != "MSearcher" {
		t.Errorf("unexpected payload: %v", payload)
	}
	datasets, _ := payload["datasets"].([]any)
	if len(datasets) != 1 {
		t.Fatalf("expected 1 dataset, got %v", payload["datasets"])
	}
	if ds := datasets[0].(map[string]any); ds["id"] != "demo" || ds["name"] != "Demo profile" {
		t.Errorf("unexpected dataset: %v", ds)
	}
}

func TestGenesEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	payload := ts.getJSON(t, "/d/demo/api/genes", http.StatusOK)
	if total, _ := payload["total"].(float64); total != 300 {
		t.Errorf("expected 300 genes, got %v", payload["total"])
	}

	payload = ts.getJSON(t, "/d/demo/api/genes?prefix=g001&limit=3", http.StatusOK)
	genes, _ := payload["genes"].([]any)
	if len(genes) != 3 || genes[0] != "G0010" {
		t.Errorf("unexpected prefix match: %v", genes)
	}

	code, _ := ts.do(t, http.MethodGet, "/d/nope/api/genes", nil)
	if code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown dataset, got %d", code)
	}
}

func TestGeneLookupEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	payload := ts.getJSON(t, "/api/gene_lookup?gene_id=G0042", http.StatusOK)
	datasets, _ := payload["datasets"].([]any)
	if len(datasets) != 1 || datasets[0] != "demo" {
		t.Errorf("unexpected datasets: %v", payload["datasets"])
	}

	payload = ts.getJSON(t, "/api/gene_lookup?gene_id=NOPE", http.StatusOK)
	if datasets, _ := payload["datasets"].([]any); len(datasets) != 0 {
		t.Errorf("expected no datasets, got %v", datasets)
	}

	code, _ := ts.do(t, http.MethodGet, "/api/gene_lookup", nil)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 without gene_id, got %d", code)
	}
}

func TestSearchJobLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	id := ts.submit(t, map[string]any{"query_genes": []string{"G0000", "MISSING"}})
	status := ts.wait(t, id)
	if status["status"] != "completed" {
		t.Fatalf("job did not complete: %v", status)
	}
	summary, _ := status["summary"].(map[string]any)
	if missing, _ := summary["missing"].([]any); len(missing) != 1 || missing[0] != "MISSING" {
		t.Errorf("unexpected summary: %v", summary)
	}

	result := ts.getJSON(t, "/d/demo/api/search/jobs/"+id+"/result?limit=10", http.StatusOK)
	if total, _ := result["total"].(float64); total != 299 {
		t.Errorf("expected 299 results, got %v", result["total"])
	}
	items, _ := result["items"].([]any)
	if len(items) != 10 {
		t.Fatalf("expected a page of 10, got %d", len(items))
	}
	top := make(map[string]bool)
	for _, it := range items {
		top[it.(map[string]any)["gene"].(string)] = true
	}
	for _, g := range []string{"G0001", "G0002", "G0003", "G0004"} {
		if !top[g] {
			t.Errorf("%s not on the first page", g)
		}
	}

	code, body := ts.do(t, http.MethodGet, "/d/demo/api/search/jobs/"+id+"/result?format=tsv", nil)
	if code != http.StatusOK {
		t.Fatalf("tsv download: %d %s", code, body)
	}
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) != 300 {
		t.Errorf("expected header plus 299 rows, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(output.Header, "\t") {
		t.Errorf("unexpected header %q", lines[0])
	}

	// Job IDs are scoped to their dataset.
	if code, _ := ts.do(t, http.MethodGet, "/d/demo/api/search/jobs/unknown", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", code)
	}

	payload := ts.getJSON(t, "/d/demo/api/search/jobs/"+id, http.StatusOK)
	if payload["job_id"] != id {
		t.Errorf("unexpected job payload %v", payload)
	}
	code, _ = ts.do(t, http.MethodDelete, "/d/demo/api/search/jobs/"+id, nil)
	if code != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/d/demo/api/search/jobs/"+id, nil); code != http.StatusNotFound {
		t.Errorf("expected deleted job to be gone, got %d", code)
	}
}

func TestSearchJobFailure(t *testing.T) {
	ts := setupTestServer(t)

	id := ts.submit(t, map[string]any{"query_genes": []string{"NOT_A_GENE"}})
	status := ts.wait(t, id)
	if status["status"] != "failed" {
		t.Fatalf("expected failure, got %v", status)
	}
	if msg, _ := status["error"].(string); !strings.Contains(msg, markers.ErrNoQueryGenes.Error()) {
		t.Errorf("unexpected error message %q", msg)
	}

	code, _ := ts.do(t, http.MethodGet, "/d/demo/api/search/jobs/"+id+"/result", nil)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for result of failed job, got %d", code)
	}
}

func TestSearchJobSubmitValidation(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"noGenes", map[string]any{"query_genes": []string{" "}}},
		{"cutoff", map[string]any{"query_genes": []string{"G0000"}, "cutoff": 1.2}},
		{"topNum", map[string]any{"query_genes": []string{"G0000"}, "top_num": 5000}},
		{"candidates", map[string]any{"query_genes": []string{"G0000"}, "top_num": 50, "max_candidates": 10}},
		{"malformed", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.do(t, http.MethodPost, "/d/demo/api/search/jobs", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", code, body)
			}
		})
	}
}
