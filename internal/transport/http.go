// Package transport builds the HTTP clients used to reach the portal's
// collaborators: the storage provider, the identity provider's key set and OPA
package transport

import (
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout   = 5 * time.Second
	keepAlive     = 30 * time.Second
	idleConnLimit = 50
)

// NewHTTPTransport returns a pooled transport with conservative timeouts.
// Collaborator traffic is small JSON and XML, so compression stays enabled.
func NewHTTPTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: keepAlive,
		Control:   setTCPOptions,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          idleConnLimit,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// NewHTTPClient returns a client over NewHTTPTransport. A zero timeout
// leaves the overall request unbounded; callers then rely on contexts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewHTTPTransport(),
	}
}
