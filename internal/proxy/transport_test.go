package proxy

import (
	"context"
	"testing"
	"time"
)

func TestNewTransport(t *testing.T) {
	tr := NewTransport(3 * time.Second)

	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("expected %d idle conns per host, got %d", DefaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	}
	if tr.DialContext == nil {
		t.Error("expected dialer to be set")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if RequestIDFromContext(ctx) != "" {
		t.Error("expected empty request id")
	}

	id := GenerateRequestID()
	if id == GenerateRequestID() {
		t.Error("expected unique request ids")
	}

	ctx = ContextWithRequestID(ctx, id)
	if RequestIDFromContext(ctx) != id {
		t.Errorf("expected %s, got %s", id, RequestIDFromContext(ctx))
	}
}
