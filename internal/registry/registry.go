package registry

import (
	"errors"
	"time"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

var ErrDuplicateID = errors.New("registry: device id already live")

// DefaultOfflineLimit bounds how many departed-device snapshots are retained.
const DefaultOfflineLimit = 1024

// Peer is the outbound half of a device's connection.
//
// Send must never block; it reports whether the frame was accepted for
// delivery. Open reports whether the connection can still be written to.
type Peer interface {
	Send(frame []byte) bool
	Open() bool
}

// State is the lifecycle position of a device's connection.
type State int

const (
	StateConnecting State = iota
	StateIdentified
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Device is one live connection and the identity metadata it registered.
type Device struct {
	ID          string
	Name        string
	Class       protocol.DeviceClass
	Status      string
	State       State
	ConnectedAt time.Time
	LastSeen    time.Time
	IP          string

	Peer Peer
}

// DisplayName returns the registered name or a placeholder derived from ID.
func (d *Device) DisplayName() string {
	if d.Name == "" {
		return protocol.PlaceholderName(d.ID)
	}
	return d.Name
}

// DisplayClass returns the registered class or ClassUnknown.
func (d *Device) DisplayClass() protocol.DeviceClass {
	if d.Class == "" {
		return protocol.ClassUnknown
	}
	return d.Class
}

// Ref is the device's public identity.
func (d *Device) Ref() protocol.DeviceRef {
	return protocol.DeviceRef{
		ID:   d.ID,
		Name: d.DisplayName(),
		Type: string(d.DisplayClass()),
	}
}

// Info is the device's row in a device list snapshot.
func (d *Device) Info() protocol.DeviceInfo {
	return protocol.DeviceInfo{
		ID:          d.ID,
		Name:        d.DisplayName(),
		Type:        string(d.DisplayClass()),
		Status:      d.Status,
		ConnectedAt: d.ConnectedAt,
		LastSeen:    d.LastSeen,
	}
}

// Registry maps device ids to live Device records.
//
// It is not safe for concurrent use; the pairing hub owns it exclusively.
type Registry struct {
	devices map[string]*Device

	offline      map[string]Device
	offlineOrder []string
	offlineLimit int
}

// New returns an empty registry keeping at most offlineLimit offline snapshots
// (DefaultOfflineLimit when offlineLimit <= 0).
func New(offlineLimit int) *Registry {
	if offlineLimit <= 0 {
		offlineLimit = DefaultOfflineLimit
	}
	return &Registry{
		devices:      make(map[string]*Device),
		offline:      make(map[string]Device),
		offlineLimit: offlineLimit,
	}
}

// Put inserts d. An id that is already live is rejected rather than
// overwritten.
func (r *Registry) Put(d *Device) error {
	if _, ok := r.devices[d.ID]; ok {
		return ErrDuplicateID
	}
	r.devices[d.ID] = d
	return nil
}

// Get returns the live device with id.
func (r *Registry) Get(id string) (*Device, bool) {
	d, ok := r.devices[id]
	return d, ok
}

// Remove deletes the live device with id and returns it.
func (r *Registry) Remove(id string) (*Device, bool) {
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	return d, ok
}

// Has reports whether id is live.
func (r *Registry) Has(id string) bool {
	_, ok := r.devices[id]
	return ok
}

// List returns a snapshot of the live devices in no particular order. The
// slice is fresh on every call; the Device pointers are shared.
func (r *Registry) List() []*Device {
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *Registry) Len() int { return len(r.devices) }

// Retire removes id from the live set and keeps a detached offline snapshot
// of it. The snapshot carries no Peer.
func (r *Registry) Retire(id string, now time.Time) (Device, bool) {
	d, ok := r.Remove(id)
	if !ok {
		return Device{}, false
	}

	snap := *d
	snap.Peer = nil
	snap.Status = protocol.StatusOffline
	snap.State = StateClosed
	snap.LastSeen = now

	if _, exists := r.offline[id]; !exists {
		r.offlineOrder = append(r.offlineOrder, id)
	}
	r.offline[id] = snap
	for len(r.offlineOrder) > r.offlineLimit {
		oldest := r.offlineOrder[0]
		r.offlineOrder[0] = ""
		r.offlineOrder = r.offlineOrder[1:]
		delete(r.offline, oldest)
	}
	return snap, true
}

// Offline returns the snapshot recorded when id disconnected.
func (r *Registry) Offline(id string) (Device, bool) {
	d, ok := r.offline[id]
	return d, ok
}
