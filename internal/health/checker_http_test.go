package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPChecker_Check_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker("sui_getLatestCheckpointSequenceNumber", 5*time.Second)

	if err := checker.Check(context.Background(), server.URL); err != nil {
		t.Errorf("expected check to succeed, got error: %v", err)
	}
}

func TestHTTPChecker_Check_SendsJSONRPCProbe(t *testing.T) {
	var got rpcProbe
	var method, contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"42"}`))
	}))
	defer server.Close()

	checker := NewHTTPChecker("sui_getChainIdentifier", 5*time.Second)
	if err := checker.Check(context.Background(), server.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if method != http.MethodPost {
		t.Errorf("expected POST, got %s", method)
	}
	if contentType != "application/json" {
		t.Errorf("expected application/json, got %q", contentType)
	}
	if got.JSONRPC != "2.0" || got.ID != 1 || got.Method != "sui_getChainIdentifier" {
		t.Errorf("unexpected probe body: %+v", got)
	}
	if got.Params == nil || len(got.Params) != 0 {
		t.Errorf("expected empty params array, got %v", got.Params)
	}
}

func TestHTTPChecker_Check_Redirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", 5*time.Second)

	// 3xx should be considered success
	if err := checker.Check(context.Background(), server.URL); err != nil {
		t.Errorf("expected 304 to be success, got error: %v", err)
	}
}

func TestHTTPChecker_Check_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", 5*time.Second)

	if err := checker.Check(context.Background(), server.URL); err == nil {
		t.Error("expected 500 to fail check")
	}
}

func TestHTTPChecker_Check_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", 5*time.Second)

	if err := checker.Check(context.Background(), server.URL); err == nil {
		t.Error("expected 404 to fail check")
	}
}

func TestHTTPChecker_Check_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	checker := NewHTTPChecker("probe", 1*time.Second)

	if err := checker.Check(context.Background(), url); err == nil {
		t.Error("expected connection refused to fail check")
	}
}

func TestHTTPChecker_Check_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", 100*time.Millisecond)

	if err := checker.Check(context.Background(), server.URL); err == nil {
		t.Error("expected timeout to fail check")
	}
}

func TestHTTPChecker_Check_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := checker.Check(ctx, server.URL); err == nil {
		t.Error("expected context cancellation to fail check")
	}
}

func TestHTTPChecker_Check_InvalidURL(t *testing.T) {
	checker := NewHTTPChecker("probe", 1*time.Second)

	if err := checker.Check(context.Background(), "://invalid-url"); err == nil {
		t.Error("expected invalid URL to fail check")
	}
}
