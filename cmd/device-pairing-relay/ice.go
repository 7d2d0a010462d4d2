package main

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/turnrest"
)

// newICEProvider builds the ICE list handed to paired devices. When TURN REST
// is enabled, TURN entries get per-device credentials; otherwise the
// configured list is served as-is. An invalid ICE configuration yields an
// empty list so pairing keeps working.
func newICEProvider(cfg config.Config) (*turnrest.Provider, error) {
	servers := cfg.ICEServers
	if cfg.ICEConfigError() != nil {
		servers = nil
	}
	if !cfg.TURNREST.Enabled() {
		return turnrest.NewProvider(servers, nil), nil
	}

	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
	if err != nil {
		return nil, err
	}
	return turnrest.NewProvider(servers, gen), nil
}
