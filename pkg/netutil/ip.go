// Package netutil provides network utility functions.
package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// defaultPorts maps URI schemes to their implicit ports.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// ValidateLocalIP checks if an IP address exists on a local interface.
// Unspecified addresses (0.0.0.0, ::) are always accepted.
func ValidateLocalIP(ipStr string) error {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return fmt.Errorf("invalid IP address: %s", ipStr)
	}
	if ip.IsUnspecified() {
		return nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return fmt.Errorf("getting interface addresses: %w", err)
	}

	for _, addr := range addrs {
		var ifIP net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ifIP = v.IP
		case *net.IPAddr:
			ifIP = v.IP
		}
		if ifIP != nil && ifIP.Equal(ip) {
			return nil
		}
	}

	return fmt.Errorf("IP %s not found on any local interface", ipStr)
}

// HostPort extracts the host:port to dial for an upstream URI.
// The scheme's default port is used when the URI has none.
func HostPort(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("uri %q has no host", uri)
	}

	port := u.Port()
	if port == "" {
		p, ok := defaultPorts[u.Scheme]
		if !ok {
			return "", fmt.Errorf("uri %q has no port and unknown scheme %q", uri, u.Scheme)
		}
		port = p
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// ValidateUpstreamURI checks that uri is an absolute http(s) URL.
func ValidateUpstreamURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parsing uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("uri %q must use http or https", uri)
	}
	if u.Host == "" {
		return fmt.Errorf("uri %q has no host", uri)
	}
	return nil
}

// ListenAddr joins a listen IP and port.
func ListenAddr(ip string, port uint16) string {
	return net.JoinHostPort(ip, strconv.Itoa(int(port)))
}
