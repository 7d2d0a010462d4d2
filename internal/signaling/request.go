package signaling

import (
	"net"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/origin"
)

// clientIP returns the first X-Forwarded-For hop when present, otherwise the
// host part of RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestOrigin is the origin a request claims, normalized when possible.
// Without an Origin header it is derived from Host and X-Forwarded-Proto.
func requestOrigin(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("Origin")); raw != "" {
		if normalized, _, ok := origin.Normalize(raw); ok {
			return normalized
		}
		return raw
	}

	host := strings.TrimSpace(r.Host)
	if host == "" {
		return ""
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if xfProto := r.Header.Get("X-Forwarded-Proto"); xfProto != "" {
		first, _, _ := strings.Cut(xfProto, ",")
		switch first = strings.TrimSpace(first); {
		case strings.EqualFold(first, "http"):
			scheme = "http"
		case strings.EqualFold(first, "https"):
			scheme = "https"
		}
	}

	candidate := scheme + "://" + host
	if normalized, _, ok := origin.Normalize(candidate); ok {
		return normalized
	}
	return candidate
}
