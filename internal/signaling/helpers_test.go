package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

type testRelay struct {
	srv     *Server
	metrics *metrics.Metrics
	ts      *httptest.Server
	wsURL   string
}

func startRelay(t *testing.T, cfg Config, routerCfg pairing.Config) *testRelay {
	t.Helper()

	m := metrics.New()
	routerCfg.Metrics = m
	hub := pairing.NewHub(pairing.NewRouter(routerCfg))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	cfg.Hub = hub
	cfg.Metrics = m
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		ts.Close()
		cancel()
		<-hub.Done()
	})

	return &testRelay{
		srv:     srv,
		metrics: m,
		ts:      ts,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

// dial connects and consumes the identity frame.
func (r *testRelay) dial(t *testing.T) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}
	reg := expect[*protocol.DeviceRegistered](c)
	if reg.DeviceID == "" {
		t.Fatalf("device_registered without id")
	}
	c.id = reg.DeviceID
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next() (protocol.Outbound, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeOutbound(data)
}

// expect reads until a message of type T arrives, skipping anything else.
func expect[T protocol.Outbound](c *testClient) T {
	c.t.Helper()
	for {
		msg, err := c.next()
		if err != nil {
			var zero T
			c.t.Fatalf("waiting for %T: %v", zero, err)
		}
		if m, ok := msg.(T); ok {
			return m
		}
	}
}

// expectClose reads until the socket fails and returns the close code.
func expectClose(c *testClient) int {
	c.t.Helper()
	for {
		_, err := c.next()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			c.t.Fatalf("expected close error, got %v", err)
		}
		return ce.Code
	}
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }
