package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

// syncPeer is a fakePeer safe to inspect from the test goroutine while the
// hub delivers to it.
type syncPeer struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *syncPeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return true
}

func (p *syncPeer) Open() bool { return true }

func (p *syncPeer) types() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(p.frames))
	for _, f := range p.frames {
		msg, err := protocol.DecodeOutbound(f)
		if err != nil {
			continue
		}
		out = append(out, msg.MessageType())
	}
	return out
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(NewRouter(Config{}))
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func TestHub_ConnectReceiveDisconnect(t *testing.T) {
	hub := startHub(t)
	ctx := context.Background()

	pa, pb := &syncPeer{}, &syncPeer{}
	a, err := hub.Connect(ctx, pa, "10.0.0.1")
	require.NoError(t, err)
	b, err := hub.Connect(ctx, pb, "10.0.0.2")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, hub.Receive(ctx, a, []byte(`{"type":"connection_request","targetDeviceId":"`+b+`"}`)))

	stats, err := hub.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.ConnectedDevices)
	require.Contains(t, pb.types(), protocol.TypeIncomingConnectionRequest)

	require.NoError(t, hub.Disconnect(ctx, a))
	stats, err = hub.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ConnectedDevices)
}

func TestHub_PreservesPerConnectionOrder(t *testing.T) {
	hub := startHub(t)
	ctx := context.Background()

	p := &syncPeer{}
	id, err := hub.Connect(ctx, p, "")
	require.NoError(t, err)

	require.NoError(t, hub.Receive(ctx, id, []byte(`{"type":"register_device","name":"A"}`)))
	require.NoError(t, hub.Receive(ctx, id, []byte(`{"type":"get_connection_history"}`)))
	_, err = hub.Stats(ctx)
	require.NoError(t, err)

	require.Equal(t, []protocol.MessageType{
		protocol.TypeDeviceRegistered,
		protocol.TypeDeviceListUpdated,
		protocol.TypeRegistrationComplete,
		protocol.TypeDeviceListUpdated,
		protocol.TypeConnectionHistory,
	}, p.types())
}

func TestHub_ConcurrentConnects(t *testing.T) {
	hub := startHub(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := hub.Connect(ctx, &syncPeer{}, "")
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	require.Len(t, seen, n)

	stats, err := hub.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, n, stats.ConnectedDevices)
}

func TestHub_ClosedRejectsSubmissions(t *testing.T) {
	hub := NewHub(NewRouter(Config{}))
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(done)
	}()
	hub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	_, err := hub.Connect(context.Background(), &syncPeer{}, "")
	require.ErrorIs(t, err, ErrHubClosed)
	require.ErrorIs(t, hub.Receive(context.Background(), "x", []byte(`{}`)), ErrHubClosed)
	require.ErrorIs(t, hub.Disconnect(context.Background(), "x"), ErrHubClosed)
	_, err = hub.Stats(context.Background())
	require.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_SubmitHonoursContext(t *testing.T) {
	// A hub that never runs fills its queue and then blocks callers.
	hub := NewHub(NewRouter(Config{}))
	for i := 0; i < defaultEventQueue; i++ {
		require.NoError(t, hub.Receive(context.Background(), "x", nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hub.Receive(ctx, "x", nil), context.DeadlineExceeded)
}

func TestHub_CancelledConnectDoesNotLeaveDevice(t *testing.T) {
	hub := startHub(t)

	release := make(chan struct{})
	require.NoError(t, hub.submit(context.Background(), func(*Router) { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := hub.Connect(ctx, &syncPeer{}, "127.0.0.1")
		errc <- err
	}()

	// Let the connect event queue behind the blocked one, then abandon it.
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		stats, err := hub.Stats(context.Background())
		return err == nil && stats.ConnectedDevices == 0
	}, 2*time.Second, 10*time.Millisecond)
}
