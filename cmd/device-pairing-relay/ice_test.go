package main

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/config"
)

func TestNewICEProvider_StaticList(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		},
	}
	p, err := newICEProvider(cfg)
	if err != nil {
		t.Fatalf("newICEProvider: %v", err)
	}
	servers, err := p.ICEServers("device")
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 2 || servers[1].Username != "u" {
		t.Fatalf("servers=%#v, want configured list unchanged", servers)
	}
}

func TestNewICEProvider_TURNREST(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"turns:turn.example.com:5349"}}},
		TURNREST: config.TurnRESTConfig{
			SharedSecret:   "secret",
			TTLSeconds:     60,
			UsernamePrefix: "pairing",
		},
	}
	p, err := newICEProvider(cfg)
	if err != nil {
		t.Fatalf("newICEProvider: %v", err)
	}
	servers, err := p.ICEServers("device-1")
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers=%d, want 1", len(servers))
	}
	if !strings.HasSuffix(servers[0].Username, ":pairing:device-1") {
		t.Fatalf("username=%q, want suffix :pairing:device-1", servers[0].Username)
	}
	if cred, _ := servers[0].Credential.(string); cred == "" {
		t.Fatalf("credential missing: %#v", servers[0])
	}
}

func TestNewICEProvider_InvalidTURNREST(t *testing.T) {
	cfg := config.Config{
		TURNREST: config.TurnRESTConfig{SharedSecret: "secret", TTLSeconds: 0, UsernamePrefix: "pairing"},
	}
	if _, err := newICEProvider(cfg); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
