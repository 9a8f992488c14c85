package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/limiter"
	"github.com/cr0hn/rpc-gateway/internal/logger"
	"github.com/cr0hn/rpc-gateway/internal/metrics"
	"github.com/cr0hn/rpc-gateway/internal/ports"
	"github.com/cr0hn/rpc-gateway/pkg/netutil"
)

// Options configures a port server.
type Options struct {
	ListenAddress  string
	ForwardTimeout time.Duration
	IdleTimeout    time.Duration
	// PollInterval is how often deactivation is checked. Zero uses
	// DefaultDeactivationPollInterval.
	PollInterval time.Duration
}

// Server is the forwarding loop of one port state.
type Server struct {
	port           *ports.PortState
	httpServer     *http.Server
	limiter        *limiter.Limiter
	transport      http.RoundTripper
	stats          *metrics.StatsCollector
	forwardTimeout time.Duration
	pollInterval   time.Duration

	// active counts handlers still running, including those past Shutdown.
	active atomic.Int64

	listener net.Listener
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewServer creates a forwarding server for p. The transport is shared
// between servers.
func NewServer(p *ports.PortState, opts Options, lim *limiter.Limiter, transport http.RoundTripper, stats *metrics.StatsCollector) *Server {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultDeactivationPollInterval
	}

	s := &Server{
		port:           p,
		limiter:        lim,
		transport:      transport,
		stats:          stats,
		forwardTimeout: opts.ForwardTimeout,
		pollInterval:   poll,
		done:           make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:        netutil.ListenAddr(opts.ListenAddress, p.Port()),
		Handler:     NewHandler(s),
		IdleTimeout: opts.IdleTimeout,
		// Upstream latency is bounded by the forward timeout, not the server.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// PortState returns the port state served.
func (s *Server) PortState() *ports.PortState {
	return s.port
}

// Listen binds the listening socket without serving yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Start serves until Shutdown or until the port state is deactivated.
// It announces serving started and stopped on the port state, and returns
// only once every in-flight call has finished.
func (s *Server) Start() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	port := s.port.Port()
	label := metrics.PortLabel(port)

	s.port.ReportServingStarted()
	metrics.PortServing.WithLabelValues(label).Set(1)
	logger.Info("port_serving_started",
		"port", port,
		"environment", s.port.Environment(),
		"addr", ln.Addr().String(),
		"targets", s.port.TargetCount(),
	)
	defer func() {
		s.port.ReportServingStopped()
		metrics.PortServing.WithLabelValues(label).Set(0)
		logger.Info("port_serving_stopped", "port", port)
	}()

	go s.watchDeactivation()

	err := s.httpServer.Serve(ln)
	s.waitIdle()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// waitIdle blocks until no handler of this server is running.
func (s *Server) waitIdle() {
	if s.active.Load() == 0 {
		return
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if s.active.Load() == 0 {
			return
		}
	}
}

// watchDeactivation shuts the server down once the port state is deactivated.
func (s *Server) watchDeactivation() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.port.IsDeactivated() {
				continue
			}
			logger.Info("port_deactivated_winding_down", "port", s.port.Port())
			ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
			if err := s.Shutdown(ctx); err != nil {
				logger.LogError("port_shutdown", err, "port", s.port.Port())
			}
			cancel()
			return
		case <-s.done:
			return
		}
	}
}

// Shutdown gracefully stops the server, waiting for in-flight calls.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	return s.httpServer.Shutdown(ctx)
}
