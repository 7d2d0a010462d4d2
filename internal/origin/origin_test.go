package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		normalized string
		host       string
		ok         bool
	}{
		{"lowercases and drops default port", "HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"keeps non-default port", "http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"null", "null", "null", "", true},
		{"ipv6", "http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"empty", "  ", "", "", false},
		{"bad scheme", "ftp://example.com", "", "", false},
		{"path", "https://example.com/app", "", "", false},
		{"query", "https://example.com?x=1", "", "", false},
		{"userinfo", "https://u@example.com", "", "", false},
		{"port zero", "http://example.com:0", "", "", false},
		{"port overflow", "http://example.com:70000", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, host, ok := Normalize(tc.raw)
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if normalized != tc.normalized || host != tc.host {
				t.Fatalf("Normalize(%q)=(%q,%q), want (%q,%q)", tc.raw, normalized, host, tc.normalized, tc.host)
			}
		})
	}
}

func TestNewPolicy_RejectsInvalidEntries(t *testing.T) {
	if _, err := NewPolicy([]string{"https://ok.example", "not a url"}); err == nil {
		t.Fatalf("expected error for invalid entry")
	}
	if _, err := NewPolicy([]string{"null"}); err == nil {
		t.Fatalf("expected error for null entry")
	}
}

func TestPolicy_Check(t *testing.T) {
	wildcard, err := NewPolicy([]string{Any})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	listed, err := NewPolicy([]string{"https://App.Example.com:443"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	sameHost, err := NewPolicy(nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	cases := []struct {
		name   string
		policy *Policy
		host   string
		origin []string
		want   bool
	}{
		{"no origin header", sameHost, "relay.example.com", nil, true},
		{"wildcard", wildcard, "relay.example.com", []string{"https://evil.example"}, true},
		{"listed", listed, "relay.example.com", []string{"https://app.example.com"}, true},
		{"not listed", listed, "relay.example.com", []string{"https://evil.example"}, false},
		{"same host ignores scheme", sameHost, "relay.example.com", []string{"https://relay.example.com"}, true},
		{"same host default port", sameHost, "relay.example.com:80", []string{"http://relay.example.com"}, true},
		{"cross host", sameHost, "relay.example.com", []string{"https://other.example.com"}, false},
		{"null against same host", sameHost, "relay.example.com", []string{"null"}, false},
		{"malformed", wildcard, "relay.example.com", []string{"javascript:alert(1)"}, false},
		{"duplicate header", wildcard, "relay.example.com", []string{"https://a.example", "https://b.example"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://"+tc.host+"/ws", nil)
			for _, o := range tc.origin {
				r.Header.Add("Origin", o)
			}
			if _, ok := tc.policy.Check(r); ok != tc.want {
				t.Fatalf("Check=%v, want %v", ok, tc.want)
			}
		})
	}
}

func TestPolicy_CheckReturnsNormalizedOrigin(t *testing.T) {
	p, err := NewPolicy([]string{Any})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	r := httptest.NewRequest("GET", "http://relay.example.com/", nil)
	r.Header.Set("Origin", "HTTP://Phone.Local:80")

	got, ok := p.Check(r)
	if !ok || got != "http://phone.local" {
		t.Fatalf("Check=(%q,%v), want (%q,true)", got, ok, "http://phone.local")
	}
	if !p.AllowAny() {
		t.Fatalf("AllowAny=false, want true")
	}
}
