package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func startTestServer(t *testing.T, s *Server) <-chan error {
	t.Helper()
	if err := s.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.PortState().IsServing() {
		if time.Now().After(deadline) {
			t.Fatal("server did not report serving")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errCh
}

func waitStopped(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ServesOverTCP(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{"result":"0x1"}`)
	p := newTestPort(t, []string{up.URL}, nil)
	s := newTestServer(t, p, defaultTestServerOptions())

	errCh := startTestServer(t, s)

	resp, err := http.Post("http://"+s.Addr()+"/", "application/json", strings.NewReader(rpcCall))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != `{"result":"0x1"}` {
		t.Errorf("unexpected response %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitStopped(t, errCh)

	if p.IsServing() {
		t.Error("expected serving flag to be cleared after shutdown")
	}
}

func TestServer_WindsDownOnDeactivation(t *testing.T) {
	up := newUpstream(t, http.StatusOK, "{}")
	p := newTestPort(t, []string{up.URL}, nil)
	s := newTestServer(t, p, defaultTestServerOptions())

	errCh := startTestServer(t, s)

	if !p.Deactivate() {
		t.Fatal("expected first deactivation to transition")
	}
	waitStopped(t, errCh)

	if p.IsServing() {
		t.Error("expected serving flag to be cleared after deactivation")
	}
	if !p.IsDeactivated() {
		t.Error("deactivation must be permanent")
	}
}

func TestServer_StartWaitsForInFlightCalls(t *testing.T) {
	release := make(chan struct{})
	up := newUpstreamFunc(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "{}")
	})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	p := newTestPort(t, []string{up.URL}, nil)
	s := newTestServer(t, p, defaultTestServerOptions())

	errCh := startTestServer(t, s)

	callDone := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+s.Addr()+"/", "application/json", strings.NewReader(rpcCall))
		if err != nil {
			callDone <- 0
			return
		}
		resp.Body.Close()
		callDone <- resp.StatusCode
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.active.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never reached the handler")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err == nil {
		t.Fatal("expected shutdown to time out while a call is in flight")
	}

	select {
	case <-errCh:
		t.Fatal("Start returned before the in-flight call finished")
	case <-time.After(50 * time.Millisecond):
	}
	if !p.IsServing() {
		t.Error("port must stay serving while a call is in flight")
	}

	unblock()
	waitStopped(t, errCh)

	if got := <-callDone; got != http.StatusOK {
		t.Errorf("expected in-flight call to complete with 200, got %d", got)
	}
	if p.IsServing() {
		t.Error("expected serving flag to be cleared after the call finished")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	p := newTestPort(t, nil, nil)
	s := newTestServer(t, p, defaultTestServerOptions())

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Errorf("expected Start after Shutdown to return nil, got %v", err)
	}
	if p.IsServing() {
		t.Error("expected serving flag to be cleared")
	}
}

func TestServer_ListenConflict(t *testing.T) {
	p := newTestPort(t, nil, nil)
	first := newTestServer(t, p, defaultTestServerOptions())
	if err := first.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer first.listener.Close()

	_, portStr, _ := strings.Cut(first.Addr(), ":")
	second := newTestServer(t, p, defaultTestServerOptions())
	second.httpServer.Addr = "127.0.0.1:" + portStr
	if err := second.Listen(); err == nil {
		t.Error("expected second listen on the same port to fail")
	}
}
