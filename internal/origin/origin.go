// Package origin decides which browser origins may open a pairing socket or
// call the HTTP API cross-origin.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Any is the allow-list entry that admits every origin.
const Any = "*"

// Policy is an immutable origin allow-list.
//
// An empty list admits only same-host origins (scheme is ignored so the relay
// works behind a TLS-terminating proxy). Requests without an Origin header are
// always admitted; non-browser clients do not send one.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy normalizes every entry of allowed. Entries must be "*" or a bare
// http(s) origin.
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == Any {
			p.any = true
			continue
		}
		normalized, _, ok := Normalize(raw)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("origin: invalid allowed origin %q", raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// AllowAny reports whether the policy admits every origin.
func (p *Policy) AllowAny() bool { return p != nil && p.any }

// Check reports whether r may proceed. When r carries an acceptable Origin
// header, its normalized form is returned for CORS echoing.
func (p *Policy) Check(r *http.Request) (normalized string, ok bool) {
	values := r.Header.Values("Origin")
	if len(values) == 0 {
		return "", true
	}
	if len(values) > 1 {
		return "", false
	}
	raw := strings.TrimSpace(values[0])
	if raw == "" {
		return "", true
	}

	normalized, host, ok := Normalize(raw)
	if !ok {
		return "", false
	}
	if p == nil || p.any {
		return normalized, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}
	return normalized, sameHost(normalized, host, r.Host)
}

// Normalize validates a browser Origin value and returns scheme://host[:port]
// with the scheme and host lower-cased and default ports removed, plus the
// host[:port] part on its own. "null" is accepted as-is.
func Normalize(raw string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func sameHost(normalized, originHost, requestHost string) bool {
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" never matches a host.
		return false
	}
	reqHost, ok := canonicalHost(scheme, requestHost)
	return ok && reqHost == originHost
}

// canonicalHost lower-cases an authority, validates its port and drops the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(scheme, authority string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. Bracketed IPv6 literals are returned
// without brackets; unbracketed ones are rejected.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
