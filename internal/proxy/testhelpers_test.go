package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/limiter"
	"github.com/cr0hn/rpc-gateway/internal/metrics"
	"github.com/cr0hn/rpc-gateway/internal/ports"
)

// upstream is a fake RPC node recording what it received.
type upstream struct {
	*httptest.Server
	hits     atomic.Int64
	lastBody atomic.Value // string
	lastPath atomic.Value // string
}

// newUpstream starts an upstream answering with status and body.
func newUpstream(t *testing.T, status int, body string) *upstream {
	t.Helper()
	return newUpstreamFunc(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

func newUpstreamFunc(t *testing.T, fn http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		u.lastBody.Store(string(b))
		u.lastPath.Store(r.URL.RequestURI())
		fn(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) body() string {
	s, _ := u.lastBody.Load().(string)
	return s
}

func (u *upstream) path() string {
	s, _ := u.lastPath.Load().(string)
	return s
}

// testServerOptions holds options for creating test servers.
type testServerOptions struct {
	MaxInFlight    int
	RateLimitRPS   float64
	RateLimitBurst int
	ForwardTimeout time.Duration
}

func defaultTestServerOptions() testServerOptions {
	return testServerOptions{
		MaxInFlight:    100,
		RateLimitBurst: 10,
		ForwardTimeout: 5 * time.Second,
	}
}

// newTestServer creates a server for p on an ephemeral loopback port.
func newTestServer(t *testing.T, p *ports.PortState, opts testServerOptions) *Server {
	t.Helper()
	transport := NewTransport(time.Second)
	t.Cleanup(transport.CloseIdleConnections)
	return NewServer(p, Options{
		ListenAddress:  "127.0.0.1",
		ForwardTimeout: opts.ForwardTimeout,
		IdleTimeout:    time.Minute,
		PollInterval:   10 * time.Millisecond,
	}, limiter.New(opts.MaxInFlight, opts.RateLimitRPS, opts.RateLimitBurst), transport, metrics.NewStatsCollector())
}

// newTestPort builds a port state whose targets are the given upstream URLs,
// inserted in order and scored in order.
func newTestPort(t *testing.T, uris []string, scores []ports.Score) *ports.PortState {
	t.Helper()
	p := ports.NewPortState(0, 0, nil)
	for i, uri := range uris {
		idx := p.AddTarget(uri)
		if i < len(scores) {
			p.SetTargetScore(idx, scores[i])
		}
	}
	return p
}

// doCall sends body through the handler and returns the recorded response.
func doCall(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	NewHandler(s).ServeHTTP(rec, req)
	return rec
}

// doCallWithHeader posts body to path with one extra header set.
func doCallWithHeader(s *Server, path string, body io.Reader, key, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set(key, value)
	rec := httptest.NewRecorder()
	NewHandler(s).ServeHTTP(rec, req)
	return rec
}
