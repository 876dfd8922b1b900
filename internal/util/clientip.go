package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPExtractor resolves the originating client IP of a request.
// Forwarding headers are only trusted when the immediate peer is
// inside a trusted proxy range; otherwise RemoteAddr wins, so an
// untrusted client cannot spoof its identity (and with it rate-limit
// keys) by sending X-Forwarded-For.
type ClientIPExtractor struct {
	trusted []*net.IPNet
}

// NewClientIPExtractor builds an extractor from CIDR strings. Invalid
// entries are skipped. With no trusted ranges all forwarding headers
// are ignored.
func NewClientIPExtractor(trustedCIDRs []string) *ClientIPExtractor {
	e := &ClientIPExtractor{}
	for _, cidr := range trustedCIDRs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			e.trusted = append(e.trusted, ipnet)
		}
	}
	return e
}

// Extract returns the client IP for the request.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remoteIP := remoteAddrIP(r.RemoteAddr)

	if !e.isTrusted(remoteIP) {
		return remoteIP
	}

	// Walk X-Forwarded-For right to left: the rightmost address not in
	// a trusted range is the real client; everything after it was
	// appended by proxies we operate.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(parts[i])
			if candidate == "" {
				continue
			}
			if ip := net.ParseIP(candidate); ip != nil && !e.isTrusted(candidate) {
				return candidate
			}
		}
		// Entire chain trusted, take the leftmost entry.
		first := strings.TrimSpace(parts[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if net.ParseIP(realIP) != nil {
			return realIP
		}
	}

	return remoteIP
}

func (e *ClientIPExtractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipnet := range e.trusted {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteAddrIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
