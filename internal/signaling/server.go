package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/ratelimit"
)

const (
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultSendQueueBytes    = 1 << 20
)

// Config wires the runtime dependencies of the transport.
type Config struct {
	Hub     *pairing.Hub
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Origins gates browser upgrades. Nil admits every origin.
	Origins *origin.Policy

	// IdleTimeout closes a socket that has sent nothing (not even a pong) for
	// this long. PingInterval must be shorter for keepalive to work.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxMessageBytes caps one inbound frame.
	MaxMessageBytes int64

	// MessagesPerSecond is the per-connection inbound budget. <= 0 disables
	// rate limiting.
	MessagesPerSecond int

	// SendQueueBytes bounds each connection's outbound backlog.
	SendQueueBytes int

	// Clock drives the rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = DefaultSendQueueBytes
	}
	return c
}

// Server accepts pairing sockets and bridges them to the hub.
//
// Endpoints:
//   - GET /ws : WebSocket upgrade
//
// The root path is shared with the health probe and is routed by the HTTP
// server through IsUpgrade.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	peers   map[*wsPeer]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		peers: make(map[*wsPeer]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// IsUpgrade reports whether r asks for a WebSocket.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

// ActiveConnections is the number of sockets currently being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins == nil {
		return true
	}
	if _, ok := s.cfg.Origins.Check(r); ok {
		return true
	}
	s.cfg.Metrics.Inc(metrics.OriginRejected)
	s.log.Warn("origin rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.beginHandler() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.cfg.Metrics.Inc(metrics.TransportConnections)

	peer := newWSPeer(conn, s.cfg.SendQueueBytes, s.cfg.PingInterval)
	peer.start()
	s.addPeer(peer)
	defer s.removePeer(peer)

	ip := clientIP(r)
	id, err := s.cfg.Hub.Connect(r.Context(), peer, ip)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrTooManyDevices):
			peer.failWith("too_many_devices", "too many devices", websocket.CloseTryAgainLater, "too many devices")
		case errors.Is(err, pairing.ErrHubClosed):
			peer.closeWith(websocket.CloseGoingAway, "server shutting down")
		default:
			s.log.Error("failed to admit device", "remote_addr", ip, "err", err)
			peer.failWith("internal_error", "failed to allocate device id", websocket.CloseInternalServerErr, "internal error")
		}
		peer.wait(2 * wsWriteWait)
		return
	}

	log := s.log.With("device_id", id, "remote_addr", ip)
	log.Debug("ws_connected", "origin", requestOrigin(r))

	closeCode, closeReason := s.readLoop(conn, peer, id, log)

	// Stop routing to this device before the socket goes away.
	if err := s.cfg.Hub.Disconnect(context.Background(), id); err != nil && !errors.Is(err, pairing.ErrHubClosed) {
		log.Warn("failed to submit disconnect", "err", err)
	}
	peer.closeWith(closeCode, closeReason)
	peer.wait(2 * wsWriteWait)
	log.Debug("ws_disconnected", "close_code", closeCode, "dropped_frames", peer.queue.DropCount())
}

// readLoop forwards frames to the hub until the socket fails or policy
// demands a close. It returns the close frame the writer should send.
func (s *Server) readLoop(conn *websocket.Conn, peer *wsPeer, id string, log *slog.Logger) (int, string) {
	idle := s.cfg.IdleTimeout
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	limiter := ratelimit.PerSecond(s.cfg.Clock, s.cfg.MessagesPerSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.cfg.Metrics.Inc(metrics.TransportOversized)
				return websocket.CloseMessageTooBig, "message too large"
			case isTimeout(err):
				s.cfg.Metrics.Inc(metrics.TransportIdleTimeouts)
				return websocket.CloseNormalClosure, "idle timeout"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
			default:
				s.cfg.Metrics.Inc(metrics.TransportReadErrors)
				log.Debug("ws read failed", "err", err)
			}
			return websocket.CloseNormalClosure, ""
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so the peer's bytes are consumed and it
		// observes the close frame rather than a reset.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.FramesRateLimited)
			log.Warn("rate limit exceeded")
			peer.failWith(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return websocket.ClosePolicyViolation, "rate limit exceeded"
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.cfg.Hub.Receive(context.Background(), id, data); err != nil {
			return websocket.CloseGoingAway, "server shutting down"
		}
	}
}

// Shutdown refuses new sockets, closes every live one with a going-away
// frame after its queued frames are flushed, and waits for handlers to exit.
// Sockets still open when ctx expires are torn down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	peers := make([]*wsPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for p := range s.peers {
			p.abort()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// beginHandler registers an in-flight handler. It fails once Shutdown has
// begun.
func (s *Server) beginHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) addPeer(p *wsPeer) {
	s.mu.Lock()
	closing := s.closing
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	if closing {
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) removePeer(p *wsPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
