package metrics

import "sync"

// Event counter names.
const (
	DevicesConnected    = "devices_connected"
	DevicesDisconnected = "devices_disconnected"
	DevicesRegistered   = "devices_registered"

	FramesIn           = "frames_in"
	FramesOut          = "frames_out"
	FramesMalformed    = "frames_malformed"
	FramesUnknownType  = "frames_unknown_type"
	FramesDroppedQueue = "frames_dropped_queue_full"
	FramesDroppedClose = "frames_dropped_peer_closed"
	FramesRateLimited  = "frames_rate_limited"

	ConnectionRequests      = "connection_requests"
	ConnectionRequestMisses = "connection_request_target_missing"
	ConnectionsAccepted     = "connections_accepted"
	ConnectionsRejected     = "connections_rejected"
	DisconnectRequests      = "disconnect_requests"
	HistoryRequests         = "history_requests"
	ReferentialDrops        = "referential_drops"

	Broadcasts          = "device_list_broadcasts"
	OriginRejected      = "origin_rejected"
	DropTooManyDevices  = "too_many_devices"
	TransportReadErrors = "transport_read_errors"

	TransportConnections  = "transport_connections"
	TransportOversized    = "transport_oversized_frames"
	TransportIdleTimeouts = "transport_idle_timeouts"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
