package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// rpcProbe is the JSON-RPC envelope sent by HTTPChecker. The response body is
// not interpreted, only the HTTP status.
type rpcProbe struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// HTTPChecker implements health checking via a JSON-RPC POST.
type HTTPChecker struct {
	body   []byte
	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker sending method.
func NewHTTPChecker(method string, timeout time.Duration) *HTTPChecker {
	body, _ := json.Marshal(rpcProbe{JSONRPC: "2.0", ID: 1, Method: method, Params: []any{}})
	return &HTTPChecker{
		body: body,
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true, // Don't keep connections for health checks
			},
			Timeout: timeout,
		},
	}
}

// Check posts the probe to uri.
func (c *HTTPChecker) Check(ctx context.Context, uri string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(c.body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Consider 2xx and 3xx status codes as success
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}

	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}
