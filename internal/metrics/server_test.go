package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/ports"
)

type fakeProvider struct {
	statuses []ports.Status
}

func (f *fakeProvider) Snapshots() []ports.Status {
	return f.statuses
}

func TestServer_HealthHandler(t *testing.T) {
	server := NewServer(0, NewStatsCollector(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
}

func TestServer_ReadyHandler(t *testing.T) {
	server := NewServer(0, NewStatsCollector(), nil)

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	server.SetReady(true)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_StatsHandler(t *testing.T) {
	stats := NewStatsCollector()
	stats.RecordResult(44340, ResultOK)

	p := ports.NewPortState(0, 44340, map[string]ports.Link{"local": {RPC: "http://0.0.0.0:9000"}})
	p.RecordSuccess()
	provider := &fakeProvider{statuses: []ports.Status{p.Snapshot()}}

	server := NewServer(0, stats, provider)

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Gateway.TotalRequests != 1 {
		t.Errorf("expected 1 total request, got %d", resp.Gateway.TotalRequests)
	}
	if len(resp.Ports) != 1 {
		t.Fatalf("expected 1 port, got %d", len(resp.Ports))
	}
	if resp.Ports[0].Port != 44340 || resp.Ports[0].Calls.OK != 1 {
		t.Errorf("unexpected port status: %+v", resp.Ports[0])
	}
	if len(resp.Ports[0].Targets) != 1 || resp.Ports[0].Targets[0].URI != "http://0.0.0.0:9000" {
		t.Errorf("unexpected targets: %+v", resp.Ports[0].Targets)
	}
}

type fakeProbes []ProbeStatus

func (f fakeProbes) ProbeStatuses() []ProbeStatus {
	return f
}

func TestServer_StatsIncludesProbes(t *testing.T) {
	server := NewServer(0, NewStatsCollector(), nil)

	get := func() statsResponse {
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		var resp statsResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		return resp
	}

	if got := get(); len(got.Probes) != 0 {
		t.Errorf("expected no probes without a provider, got %+v", got.Probes)
	}

	server.SetProbeProvider(fakeProbes{{
		Port:      44340,
		URI:       "http://0.0.0.0:9000",
		State:     "unhealthy",
		LatencyMs: 12,
		LastError: "connection refused",
	}})

	got := get()
	if len(got.Probes) != 1 {
		t.Fatalf("expected 1 probe, got %d", len(got.Probes))
	}
	if got.Probes[0].State != "unhealthy" || got.Probes[0].LastError != "connection refused" || got.Probes[0].LatencyMs != 12 {
		t.Errorf("unexpected probe: %+v", got.Probes[0])
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	stats := NewStatsCollector()
	stats.RecordResult(44340, ResultOK)
	TargetScore.WithLabelValues("44340", "http://0.0.0.0:9000").Set(100)

	ts := httptest.NewServer(NewServer(0, stats, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to get /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	content := string(body)
	for _, name := range []string{"rpc_gateway_requests_total", "rpc_gateway_target_score"} {
		if !strings.Contains(content, name) {
			t.Errorf("expected metric %s in output", name)
		}
	}
}

func TestServer_StartShutdown(t *testing.T) {
	server := NewServer(0, NewStatsCollector(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("unexpected Start() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Start() did not return after Shutdown")
	}
}
