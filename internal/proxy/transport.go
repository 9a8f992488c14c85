package proxy

import (
	"net"
	"net/http"
	"time"
)

// NewTransport creates the upstream transport shared by all port servers.
// dialTimeout bounds connection setup; the whole call is bounded by the
// forward timeout of each server.
func NewTransport(dialTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: DefaultTCPKeepAlive,
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ExpectContinueTimeout: DefaultExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
}
