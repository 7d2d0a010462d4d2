package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

type MessageType string

// Inbound (client -> relay).
const (
	TypeRegisterDevice       MessageType = "register_device"
	TypeConnectionRequest    MessageType = "connection_request"
	TypeConnectionResponse   MessageType = "connection_response"
	TypeDisconnectRequest    MessageType = "disconnect_request"
	TypeGetConnectionHistory MessageType = "get_connection_history"
)

// Outbound (relay -> client).
const (
	TypeDeviceRegistered          MessageType = "device_registered"
	TypeRegistrationComplete      MessageType = "registration_complete"
	TypeConnectionRequestSent     MessageType = "connection_request_sent"
	TypeIncomingConnectionRequest MessageType = "incoming_connection_request"
	TypeConnectionEstablished     MessageType = "connection_established"
	TypeConnectionRejected        MessageType = "connection_rejected"
	TypeDeviceDisconnected        MessageType = "device_disconnected"
	TypeDisconnectConfirmed       MessageType = "disconnect_confirmed"
	TypeConnectionHistory         MessageType = "connection_history"
	TypeDeviceListUpdated         MessageType = "device_list_updated"
	TypeError                     MessageType = "error"
)

// Error codes carried on TypeError envelopes.
const (
	CodeBadMessage      = "bad_message"
	CodeConnectionError = "connection_error"
	CodeRateLimited     = "rate_limited"
)

// ErrMissingType is returned for an object frame whose type is absent or not
// a string.
var ErrMissingType = errors.New("protocol: missing type")

// Inbound is the union of every field a client may send. Which fields are
// meaningful depends on Type.
type Inbound struct {
	Type MessageType `json:"type"`

	// register_device
	Name       string `json:"name,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`

	// connection_request, disconnect_request
	TargetDeviceID string `json:"targetDeviceId,omitempty"`

	// connection_response
	RequesterID string `json:"requesterId,omitempty"`
	Accepted    bool   `json:"accepted,omitempty"`

	Message string `json:"message,omitempty"`
}

// ParseInbound decodes one client frame. Only a frame that is not a JSON
// object is an error; field values of the wrong JSON kind are coerced so a
// sloppy client still gets served. Unknown fields are ignored.
func ParseInbound(data []byte) (Inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Inbound{}, fmt.Errorf("protocol: expected json object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil || typ == "" {
		return Inbound{}, ErrMissingType
	}
	return Inbound{
		Type:           MessageType(typ),
		Name:           looseString(fields["name"]),
		DeviceType:     looseString(fields["deviceType"]),
		TargetDeviceID: looseString(fields["targetDeviceId"]),
		RequesterID:    looseString(fields["requesterId"]),
		Accepted:       truthy(fields["accepted"]),
		Message:        looseString(fields["message"]),
	}, nil
}

// looseString returns strings as-is and numbers or booleans as their JSON
// text. Anything else reads as unset.
func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw)
	default:
		return ""
	}
}

// truthy follows JavaScript truthiness: false, 0, "", null and absent are
// false; everything else is true.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 'n', 'f':
		return false
	case 't', '{', '[':
		return true
	case '"':
		return looseString(raw) != ""
	default:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return false
		}
		return n != 0
	}
}

// DeviceRef is the public identity of a device as shown to other devices.
type DeviceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// DeviceInfo is one row of a device_list_updated snapshot.
type DeviceInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// HistoryEntry is one pairing event as stored for (and delivered to) a
// single participant.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Device1     DeviceRef `json:"device1"`
	Device2     DeviceRef `json:"device2"`
	Duration    *int64    `json:"duration"`
	Status      string    `json:"status"`
	ConnectedTo DeviceRef `json:"connectedTo"`
}

// Outbound is implemented by every relay -> client envelope.
type Outbound interface {
	MessageType() MessageType
}

type DeviceRegistered struct {
	DeviceID string `json:"deviceId"`
	Message  string `json:"message,omitempty"`
}

type RegistrationComplete struct {
	DeviceInfo DeviceRef `json:"deviceInfo"`
}

type ConnectionRequestSent struct {
	To DeviceRef `json:"to"`
}

type IncomingConnectionRequest struct {
	From    DeviceRef `json:"from"`
	Message string    `json:"message"`
}

type ConnectionEstablished struct {
	With       DeviceRef          `json:"with"`
	Message    string             `json:"message"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type ConnectionRejected struct {
	By      DeviceRef `json:"by"`
	Message string    `json:"message"`
}

type DeviceDisconnected struct {
	From DeviceRef `json:"from"`
}

type DisconnectConfirmed struct {
	With DeviceRef `json:"with"`
}

type ConnectionHistory struct {
	History []HistoryEntry `json:"history"`
}

type DeviceListUpdated struct {
	Devices      []DeviceInfo `json:"devices"`
	TotalDevices int          `json:"totalDevices"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (DeviceRegistered) MessageType() MessageType          { return TypeDeviceRegistered }
func (RegistrationComplete) MessageType() MessageType      { return TypeRegistrationComplete }
func (ConnectionRequestSent) MessageType() MessageType     { return TypeConnectionRequestSent }
func (IncomingConnectionRequest) MessageType() MessageType { return TypeIncomingConnectionRequest }
func (ConnectionEstablished) MessageType() MessageType     { return TypeConnectionEstablished }
func (ConnectionRejected) MessageType() MessageType        { return TypeConnectionRejected }
func (DeviceDisconnected) MessageType() MessageType        { return TypeDeviceDisconnected }
func (DisconnectConfirmed) MessageType() MessageType       { return TypeDisconnectConfirmed }
func (ConnectionHistory) MessageType() MessageType         { return TypeConnectionHistory }
func (DeviceListUpdated) MessageType() MessageType         { return TypeDeviceListUpdated }
func (Error) MessageType() MessageType                     { return TypeError }
