package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, deps Deps) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if deps.Signaling != nil {
			_ = deps.Signaling.Shutdown(ctx)
		}
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

// startHub runs a hub until the test ends.
func startHub(t *testing.T, m *metrics.Metrics) *pairing.Hub {
	t.Helper()
	hub := pairing.NewHub(pairing.NewRouter(pairing.Config{Metrics: m}))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	hub := startHub(t, nil)
	baseURL := startTestServer(t, testConfig(), Deps{Hub: hub})

	for _, path := range []string{"/", "/healthz"} {
		t.Run("health "+path, func(t *testing.T) {
			var body Health
			if status := getJSON(t, baseURL+path, &body); status != http.StatusOK {
				t.Fatalf("status=%d, want %d", status, http.StatusOK)
			}
			if body.Status != "ok" {
				t.Fatalf("status=%q, want ok", body.Status)
			}
			if body.ConnectedDevices != 0 {
				t.Fatalf("connectedDevices=%d, want 0", body.ConnectedDevices)
			}
			if body.Uptime < 0 {
				t.Fatalf("uptime=%v, want >= 0", body.Uptime)
			}
		})
	}

	t.Run("readyz", func(t *testing.T) {
		if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if status := getJSON(t, baseURL+"/version", &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/nope")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})
}

func TestHealthReportsUnavailableHub(t *testing.T) {
	hub := pairing.NewHub(pairing.NewRouter(pairing.Config{}))
	hub.Close()
	baseURL := startTestServer(t, testConfig(), Deps{Hub: hub})

	var body Health
	if status := getJSON(t, baseURL+"/healthz", &body); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", status, http.StatusServiceUnavailable)
	}
	if body.Status != "shutting_down" {
		t.Fatalf("status=%q, want shutting_down", body.Status)
	}
}

func TestRootUpgradesToWebSocket(t *testing.T) {
	m := metrics.New()
	hub := startHub(t, m)
	sig := signaling.NewServer(signaling.Config{Hub: hub, Metrics: m})
	baseURL := startTestServer(t, testConfig(), Deps{Hub: hub, Signaling: sig, Metrics: m})
	wsBase := "ws" + strings.TrimPrefix(baseURL, "http")

	for _, path := range []string{"/", "/ws"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsBase+path, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", path, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		reg, ok := msg.(*protocol.DeviceRegistered)
		if !ok || reg.DeviceID == "" {
			t.Fatalf("first frame on %s = %#v, want device_registered", path, msg)
		}
		_ = conn.Close()
	}

	if got := m.Get(metrics.TransportConnections); got != 2 {
		t.Fatalf("transport connections=%d, want 2", got)
	}
}

func TestHealthCountsConnectedDevices(t *testing.T) {
	hub := startHub(t, nil)
	sig := signaling.NewServer(signaling.Config{Hub: hub})
	baseURL := startTestServer(t, testConfig(), Deps{Hub: hub, Signaling: sig})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	var body Health
	if status := getJSON(t, baseURL+"/", &body); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if body.ConnectedDevices != 1 {
		t.Fatalf("connectedDevices=%d, want 1", body.ConnectedDevices)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	baseURL := startTestServer(t, cfg, Deps{})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpointEmptyListEncodesAsArray(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Deps{})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty iceServers array", raw)
	}
}

func TestICEEndpointMintsTURNRESTCredentials(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	cfg := testConfig()
	cfg.ICEServers = servers

	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "pairing",
		Now:            func() time.Time { return time.Unix(1000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	baseURL := startTestServer(t, cfg, Deps{ICE: turnrest.NewProvider(servers, gen)})

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if status := getJSON(t, baseURL+"/webrtc/ice?deviceId=abc", &payload); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%d, want 2", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got username %q", payload.ICEServers[0].Username)
	}
	if got, want := payload.ICEServers[1].Username, "4600:pairing:abc"; got != want {
		t.Fatalf("turn username=%q, want %q", got, want)
	}
	if payload.ICEServers[1].Credential == "" {
		t.Fatalf("turn entry missing credential")
	}

	if status := getJSON(t, baseURL+"/webrtc/ice?deviceId=a:b", nil); status != http.StatusBadRequest {
		t.Fatalf("colon device id status=%d, want 400", status)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	policy, err := origin.NewPolicy([]string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	m := metrics.New()
	baseURL := startTestServer(t, cfg, Deps{Origins: policy, Metrics: m})

	req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if got := m.Get(metrics.OriginRejected); got != 1 {
		t.Fatalf("origin rejected=%d, want 1", got)
	}

	req.Header.Set("Origin", "https://app.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestICEEndpointPreflight(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Deps{})

	req, err := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "x-request-id")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "x-request-id" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.DevicesConnected)
	baseURL := startTestServer(t, testConfig(), Deps{Metrics: m})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `event="devices_connected"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", raw)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Deps{})

	req, err := http.NewRequest(http.MethodGet, baseURL+"/version", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("X-Request-ID=%q, want req-1", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("PAIRING_RELAY_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Deps{})

	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("ice status=%d, want 503", status)
	}
}
