// Package client is a Go client for the pairing relay.
//
// A Client holds one WebSocket at a time and reconnects with a bounded
// exponential backoff. Everything it observes is delivered, in order, on a
// single Event channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

const (
	defaultEventBuffer = 64
	writeWait          = 5 * time.Second
)

var ErrNotConnected = errors.New("client: not connected")

type EventKind string

const (
	// EventConnected fires once the socket is open. The device id arrives
	// later as a device_registered message.
	EventConnected EventKind = "connected"
	// EventMessage carries one decoded relay envelope.
	EventMessage EventKind = "message"
	// EventDisconnected fires when an open socket is lost.
	EventDisconnected EventKind = "disconnected"
	// EventFailed is terminal: every reconnect attempt was used.
	EventFailed EventKind = "connection_failed"
)

// Event is one entry of the client's ordered event stream. Message is set
// for EventMessage; Err for EventDisconnected and EventFailed.
type Event struct {
	Kind    EventKind
	Message protocol.Outbound
	Err     error
}

type Config struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// Name and DeviceType are sent in register_device as soon as the relay
	// assigns an id. An empty Name skips automatic registration.
	Name       string
	DeviceType protocol.DeviceClass

	BaseDelay   time.Duration
	MaxAttempts int

	EventBuffer int
	Logger      *slog.Logger
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
	events chan Event

	mu       sync.Mutex
	conn     *websocket.Conn
	deviceID string

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger,
		dialer: dialer,
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// DeviceID is the id assigned on the current connection, or "".
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and keeps reconnecting until ctx is done or the backoff is
// exhausted, in which case it emits EventFailed and returns
// ErrAttemptsExhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	backoff := NewBackoff(c.cfg.BaseDelay, c.cfg.MaxAttempts)
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			backoff.Reset()
			c.setConn(conn)
			c.emit(ctx, Event{Kind: EventConnected})

			err = c.readLoop(ctx, conn)
			c.setConn(nil)
			_ = conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info("disconnected from relay", "err", err)
			c.emit(ctx, Event{Kind: EventDisconnected, Err: err})
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("dial failed", "url", c.cfg.URL, "err", err)
		}

		delay, berr := backoff.Next()
		if berr != nil {
			c.log.Error("max reconnection attempts reached", "attempts", backoff.Attempts())
			c.emit(ctx, Event{Kind: EventFailed, Err: berr})
			return berr
		}
		c.log.Info("reconnecting", "delay", delay, "attempt", backoff.Attempts())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.log.Debug("ignoring relay frame", "err", err)
			continue
		}

		if reg, ok := msg.(*protocol.DeviceRegistered); ok {
			c.mu.Lock()
			c.deviceID = reg.DeviceID
			c.mu.Unlock()
			if c.cfg.Name != "" {
				if err := c.Register(c.cfg.Name, c.cfg.DeviceType); err != nil {
					c.log.Warn("register failed", "err", err)
				}
			}
		}
		c.emit(ctx, Event{Kind: EventMessage, Message: msg})
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	if conn == nil {
		c.deviceID = ""
	}
	c.mu.Unlock()
}

func (c *Client) Register(name string, deviceType protocol.DeviceClass) error {
	return c.send(protocol.Inbound{
		Type:       protocol.TypeRegisterDevice,
		Name:       name,
		DeviceType: string(deviceType),
	})
}

func (c *Client) RequestConnection(targetID, message string) error {
	return c.send(protocol.Inbound{
		Type:           protocol.TypeConnectionRequest,
		TargetDeviceID: targetID,
		Message:        message,
	})
}

func (c *Client) Respond(requesterID string, accepted bool, message string) error {
	return c.send(protocol.Inbound{
		Type:        protocol.TypeConnectionResponse,
		RequesterID: requesterID,
		Accepted:    accepted,
		Message:     message,
	})
}

func (c *Client) Disconnect(targetID string) error {
	return c.send(protocol.Inbound{
		Type:           protocol.TypeDisconnectRequest,
		TargetDeviceID: targetID,
	})
}

func (c *Client) RequestHistory() error {
	return c.send(protocol.Inbound{Type: protocol.TypeGetConnectionHistory})
}

func (c *Client) send(msg protocol.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("client: send %s: %w", msg.Type, err)
	}
	return nil
}
