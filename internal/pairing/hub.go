package pairing

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/registry"
)

const defaultEventQueue = 256

// Stats is a point-in-time view of the hub for health probes.
type Stats struct {
	ConnectedDevices int
}

// Hub runs a Router on a single goroutine. Connection goroutines submit
// events; the hub applies them one at a time in arrival order.
type Hub struct {
	router *Router
	events chan func(*Router)

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub wraps router; call Run to start processing.
func NewHub(router *Router) *Hub {
	return &Hub{
		router: router,
		events: make(chan func(*Router), defaultEventQueue),
		done:   make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled or Close is called.
func (h *Hub) Run(ctx context.Context) {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.events:
			ev(h.router)
		}
	}
}

// Close stops Run. Pending and future submissions fail with ErrHubClosed.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) submit(ctx context.Context, ev func(*Router)) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers peer as a new device and returns its id once the hub has
// confirmed the identity to the peer.
func (h *Hub) Connect(ctx context.Context, peer registry.Peer, ip string) (string, error) {
	type result struct {
		id  string
		err error
	}
	reply := make(chan result, 1)
	if err := h.submit(ctx, func(r *Router) {
		id, err := r.Connect(peer, ip)
		reply <- result{id: id, err: err}
	}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-h.done:
		return "", ErrHubClosed
	case <-ctx.Done():
		// The caller will never learn the id, so undo the admission once
		// the queued event has run.
		go func() {
			select {
			case res := <-reply:
				if res.err == nil {
					_ = h.Disconnect(context.Background(), res.id)
				}
			case <-h.done:
			}
		}()
		return "", ctx.Err()
	}
}

// Receive queues an inbound frame from deviceID. It blocks only while the
// event queue is full.
func (h *Hub) Receive(ctx context.Context, deviceID string, frame []byte) error {
	return h.submit(ctx, func(r *Router) {
		r.HandleFrame(deviceID, frame)
	})
}

// Disconnect queues removal of deviceID.
func (h *Hub) Disconnect(ctx context.Context, deviceID string) error {
	return h.submit(ctx, func(r *Router) {
		r.Disconnect(deviceID)
	})
}

// Stats reads the hub's state from inside the event loop.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.submit(ctx, func(r *Router) {
		reply <- Stats{ConnectedDevices: r.DeviceCount()}
	}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, ErrHubClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}
