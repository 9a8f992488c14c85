package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cr0hn/rpc-gateway/pkg/netutil"
)

// TCPChecker implements health checking via TCP connection to the target's host.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{timeout: timeout}
}

// Check dials the host:port of uri.
func (c *TCPChecker) Check(ctx context.Context, uri string) error {
	addr, err := netutil.HostPort(uri)
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	defer conn.Close()

	return nil
}
