// Package metrics provides the metrics HTTP server.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cr0hn/rpc-gateway/internal/ports"
)

// StatusProvider exposes port state snapshots for status reporting.
type StatusProvider interface {
	Snapshots() []ports.Status
}

// ProbeStatus is the last health probe result of one target.
type ProbeStatus struct {
	Port      uint16    `json:"port"`
	Slot      uint32    `json:"slot"`
	URI       string    `json:"uri"`
	State     string    `json:"state"`
	LastCheck time.Time `json:"last_check"`
	LatencyMs int64     `json:"latency_ms"`
	LastError string    `json:"last_error,omitempty"`
}

// ProbeProvider exposes per-target probe results.
type ProbeProvider interface {
	ProbeStatuses() []ProbeStatus
}

// Server is the metrics HTTP server.
type Server struct {
	server    *http.Server
	stats     *StatsCollector
	ports     StatusProvider
	probes    atomic.Pointer[ProbeProvider]
	ready     atomic.Bool
	startTime time.Time
}

// NewServer creates a new metrics server.
func NewServer(port int, stats *StatsCollector, provider StatusProvider) *Server {
	s := &Server{
		stats:     stats,
		ports:     provider,
		startTime: time.Now(),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving all status endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	return mux
}

// Start starts the metrics server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// SetProbeProvider adds probe results to /stats.
func (s *Server) SetProbeProvider(p ProbeProvider) {
	s.probes.Store(&p)
}

// SetReady sets the ready state.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ready",
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "not ready",
		})
	}
}

// statsResponse is the body of /stats.
type statsResponse struct {
	Gateway Stats          `json:"gateway"`
	Ports   []ports.Status `json:"ports"`
	Probes  []ProbeStatus  `json:"probes"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Gateway: s.stats.GetStats(),
		Ports:   []ports.Status{},
		Probes:  []ProbeStatus{},
	}
	if s.ports != nil {
		resp.Ports = s.ports.Snapshots()
	}
	if p := s.probes.Load(); p != nil {
		resp.Probes = (*p).ProbeStatuses()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
