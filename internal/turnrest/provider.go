package turnrest

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// Provider hands out the configured ICE servers, stamping fresh TURN REST
// credentials onto every TURN entry when a Generator is set.
type Provider struct {
	servers []webrtc.ICEServer
	gen     *Generator
}

// NewProvider returns a Provider over servers. gen may be nil, in which case
// the servers are returned exactly as configured.
func NewProvider(servers []webrtc.ICEServer, gen *Generator) *Provider {
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	return &Provider{servers: servers, gen: gen}
}

// ICEServers returns a copy of the server list for deviceID. The result is
// never nil so it encodes as [] rather than null.
func (p *Provider) ICEServers(deviceID string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(p.servers))
	copy(out, p.servers)
	if p.gen == nil || len(out) == 0 {
		return out, nil
	}

	var creds *Credentials
	for i := range out {
		if !HasTURNURL(out[i]) {
			continue
		}
		if creds == nil {
			c, err := p.gen.Generate(deviceID)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
	}
	return out, nil
}

// HasTURNURL reports whether any of server's URLs is turn: or turns:.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
