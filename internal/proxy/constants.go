// Package proxy runs the per-port forwarding loop: it selects a target for
// each inbound call, forwards the raw body and reports the outcome back into
// the port state.
package proxy

import "time"

// Default timeouts and intervals.
const (
	// DefaultDeactivationPollInterval is how often a server checks whether its
	// port state was deactivated.
	DefaultDeactivationPollInterval = 250 * time.Millisecond

	// DefaultShutdownTimeout is the timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultTCPKeepAlive is the TCP keep-alive interval for upstream connections.
	DefaultTCPKeepAlive = 30 * time.Second

	// DefaultIdleConnTimeout is the timeout for idle upstream connections.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the timeout for TLS handshakes.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultExpectContinueTimeout is the timeout for 100-continue responses.
	DefaultExpectContinueTimeout = 1 * time.Second
)

// Transport limits.
const (
	// DefaultMaxIdleConns is the maximum number of idle connections across all upstreams.
	DefaultMaxIdleConns = 100

	// DefaultMaxIdleConnsPerHost is the maximum number of idle connections per upstream.
	DefaultMaxIdleConnsPerHost = 10
)

// DefaultMaxBodyBytes caps the inbound call body kept in memory for forwarding.
const DefaultMaxBodyBytes = 16 << 20 // 16MB

// RequestIDHeader carries the request ID to the client and the upstream.
const RequestIDHeader = "X-Request-Id"
