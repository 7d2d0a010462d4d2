package pairing

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/history"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/registry"
)

const (
	msgDeviceRegistered = "Device registered successfully"
	msgInvalidFormat    = "Invalid message format"
	msgTargetNotFound   = "Target device not found or disconnected"
)

// ICEProvider returns the ICE servers a newly paired device should use for
// its out-of-band connection.
type ICEProvider interface {
	ICEServers(deviceID string) ([]webrtc.ICEServer, error)
}

// Config wires the state and collaborators a Router operates on.
type Config struct {
	// Registry and History are owned exclusively by the Router. If nil, fresh
	// instances are created.
	Registry *registry.Registry
	History  *history.Store

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// HistoryLimit caps how many entries get_connection_history delivers.
	// Defaults to history.DefaultDeliveryLimit.
	HistoryLimit int

	// MaxDevices caps concurrent live devices. <= 0 means unlimited.
	MaxDevices int

	// ICE, when set, attaches ICE servers to connection_established.
	ICE ICEProvider

	Now   func() time.Time
	NewID func() string
}

// Router executes the pairing protocol against the registry and history.
//
// A Router is not safe for concurrent use: every method must be called from
// the single goroutine that owns it (see Hub).
type Router struct {
	reg     *registry.Registry
	hist    *history.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	ice     ICEProvider

	historyLimit int
	maxDevices   int

	now   func() time.Time
	newID func() string
}

// NewRouter builds a Router, filling unset Config fields with defaults.
func NewRouter(cfg Config) *Router {
	r := &Router{
		reg:          cfg.Registry,
		hist:         cfg.History,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		ice:          cfg.ICE,
		historyLimit: cfg.HistoryLimit,
		maxDevices:   cfg.MaxDevices,
		now:          cfg.Now,
		newID:        cfg.NewID,
	}
	if r.reg == nil {
		r.reg = registry.New(0)
	}
	if r.hist == nil {
		r.hist = history.New()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.historyLimit <= 0 {
		r.historyLimit = history.DefaultDeliveryLimit
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// DeviceCount is the number of live devices.
func (r *Router) DeviceCount() int { return r.reg.Len() }

// Connect admits a new connection: it allocates an identity, confirms it to
// the peer and announces the new device list to everyone.
func (r *Router) Connect(peer registry.Peer, ip string) (string, error) {
	if r.maxDevices > 0 && r.reg.Len() >= r.maxDevices {
		r.metrics.Inc(metrics.DropTooManyDevices)
		return "", ErrTooManyDevices
	}

	now := r.now()
	for attempt := 0; attempt < 3; attempt++ {
		id := r.newID()
		if id == "" || r.reg.Has(id) {
			// Extremely unlikely with 128-bit random ids. Try again.
			continue
		}

		d := &registry.Device{
			ID:          id,
			Status:      protocol.StatusOnline,
			State:       registry.StateConnecting,
			ConnectedAt: now,
			LastSeen:    now,
			IP:          ip,
			Peer:        peer,
		}
		if err := r.reg.Put(d); err != nil {
			continue
		}
		r.metrics.Inc(metrics.DevicesConnected)
		r.log.Info("device_connected", "device_id", id, "remote_addr", ip, "devices", r.reg.Len())

		r.send(d, protocol.DeviceRegistered{DeviceID: id, Message: msgDeviceRegistered})
		d.State = registry.StateIdentified

		r.broadcastDeviceList()
		return id, nil
	}
	return "", ErrIDAllocation
}

// Disconnect removes the device and announces the new device list.
// Unknown ids are ignored.
func (r *Router) Disconnect(id string) {
	snap, ok := r.reg.Retire(id, r.now())
	if !ok {
		return
	}
	r.metrics.Inc(metrics.DevicesDisconnected)
	r.log.Info("device_disconnected",
		"device_id", id,
		"name", snap.DisplayName(),
		"connected_for", snap.LastSeen.Sub(snap.ConnectedAt).String(),
		"devices", r.reg.Len(),
	)
	r.broadcastDeviceList()
}

// HandleFrame processes one inbound frame from the device senderID.
func (r *Router) HandleFrame(senderID string, data []byte) {
	sender, ok := r.reg.Get(senderID)
	if !ok {
		r.metrics.Inc(metrics.ReferentialDrops)
		return
	}
	r.metrics.Inc(metrics.FramesIn)

	msg, err := protocol.ParseInbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrMissingType) {
			r.unknownType(sender, "")
			return
		}
		r.metrics.Inc(metrics.FramesMalformed)
		r.log.Warn("malformed frame", "device_id", senderID, "err", err)
		r.send(sender, protocol.Error{Code: protocol.CodeBadMessage, Message: msgInvalidFormat})
		return
	}

	switch msg.Type {
	case protocol.TypeRegisterDevice:
		r.handleRegister(sender, msg)
	case protocol.TypeConnectionRequest:
		r.handleConnectionRequest(sender, msg.TargetDeviceID, msg.Message)
	case protocol.TypeConnectionResponse:
		r.handleConnectionResponse(sender, msg.RequesterID, msg.Accepted, msg.Message)
	case protocol.TypeDisconnectRequest:
		r.handleDisconnectRequest(sender, msg.TargetDeviceID)
	case protocol.TypeGetConnectionHistory:
		r.handleGetHistory(sender)
	default:
		r.unknownType(sender, msg.Type)
	}
}

func (r *Router) unknownType(sender *registry.Device, typ protocol.MessageType) {
	r.metrics.Inc(metrics.FramesUnknownType)
	r.log.Warn("unknown message type", "device_id", sender.ID, "type", string(typ))
}

func (r *Router) handleRegister(sender *registry.Device, msg protocol.Inbound) {
	sender.Name = msg.Name
	if sender.Name == "" {
		sender.Name = protocol.PlaceholderName(sender.ID)
	}
	sender.Class = protocol.ParseDeviceClass(msg.DeviceType)
	sender.State = registry.StateRegistered

	r.metrics.Inc(metrics.DevicesRegistered)
	r.log.Info("device_registered", "device_id", sender.ID, "name", sender.Name, "class", string(sender.Class))

	r.send(sender, protocol.RegistrationComplete{DeviceInfo: sender.Ref()})
	r.broadcastDeviceList()
}

func (r *Router) handleConnectionRequest(sender *registry.Device, targetID, message string) {
	r.metrics.Inc(metrics.ConnectionRequests)

	target, ok := r.reg.Get(targetID)
	if !ok {
		r.metrics.Inc(metrics.ConnectionRequestMisses)
		r.log.Debug("connection request target missing", "device_id", sender.ID, "target_id", targetID)
		r.send(sender, protocol.Error{Code: protocol.CodeConnectionError, Message: msgTargetNotFound})
		return
	}

	r.log.Info("connection_request", "from", sender.ID, "to", target.ID)

	if message == "" {
		message = sender.DisplayName() + " wants to connect to your device"
	}
	r.send(target, protocol.IncomingConnectionRequest{From: sender.Ref(), Message: message})
	r.send(sender, protocol.ConnectionRequestSent{To: target.Ref()})
}

func (r *Router) handleConnectionResponse(responder *registry.Device, requesterID string, accepted bool, message string) {
	requester, ok := r.reg.Get(requesterID)
	if !ok {
		r.metrics.Inc(metrics.ReferentialDrops)
		return
	}

	if !accepted {
		r.metrics.Inc(metrics.ConnectionsRejected)
		r.log.Info("connection_rejected", "requester", requester.ID, "responder", responder.ID)

		if message == "" {
			message = responder.DisplayName() + " rejected the connection"
		}
		r.send(requester, protocol.ConnectionRejected{By: responder.Ref(), Message: message})
		return
	}

	r.metrics.Inc(metrics.ConnectionsAccepted)
	r.log.Info("connection_established", "requester", requester.ID, "responder", responder.ID)

	requesterRef, responderRef := requester.Ref(), responder.Ref()
	r.hist.Append(requesterRef, responderRef, r.now())

	r.send(requester, protocol.ConnectionEstablished{
		With:       responderRef,
		Message:    "Connected to " + responderRef.Name,
		ICEServers: r.iceServers(requester.ID),
	})
	r.send(responder, protocol.ConnectionEstablished{
		With:       requesterRef,
		Message:    "Connected to " + requesterRef.Name,
		ICEServers: r.iceServers(responder.ID),
	})
}

func (r *Router) handleDisconnectRequest(sender *registry.Device, targetID string) {
	target, ok := r.reg.Get(targetID)
	if !ok {
		r.metrics.Inc(metrics.ReferentialDrops)
		return
	}
	r.metrics.Inc(metrics.DisconnectRequests)
	r.log.Info("disconnect_request", "from", sender.ID, "to", target.ID)

	r.send(target, protocol.DeviceDisconnected{From: sender.Ref()})
	r.send(sender, protocol.DisconnectConfirmed{With: target.Ref()})
}

func (r *Router) handleGetHistory(sender *registry.Device) {
	r.metrics.Inc(metrics.HistoryRequests)
	r.send(sender, protocol.ConnectionHistory{History: r.hist.Recent(sender.ID, r.historyLimit)})
}

func (r *Router) iceServers(deviceID string) []webrtc.ICEServer {
	if r.ice == nil {
		return nil
	}
	servers, err := r.ice.ICEServers(deviceID)
	if err != nil {
		r.log.Warn("failed to build ice servers", "device_id", deviceID, "err", err)
		return nil
	}
	return servers
}

func (r *Router) send(d *registry.Device, msg protocol.Outbound) {
	frame, err := protocol.Marshal(msg)
	if err != nil {
		r.log.Error("failed to encode envelope", "type", string(msg.MessageType()), "err", err)
		return
	}
	r.deliver(d, frame)
}

// deliver is fire-and-forget: a closed or saturated peer loses the frame.
func (r *Router) deliver(d *registry.Device, frame []byte) bool {
	if d.Peer == nil || !d.Peer.Open() {
		r.metrics.Inc(metrics.FramesDroppedClose)
		return false
	}
	if !d.Peer.Send(frame) {
		r.metrics.Inc(metrics.FramesDroppedQueue)
		return false
	}
	r.metrics.Inc(metrics.FramesOut)
	return true
}
