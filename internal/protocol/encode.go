package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes an outbound envelope as a JSON object whose first field is
// the "type" discriminator.
func Marshal(msg Outbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.MessageType(), err)
	}
	typ, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeOutbound decodes a relay -> client frame into its typed envelope.
//
// It is the client-side counterpart of Marshal.
func DecodeOutbound(data []byte) (Outbound, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var msg Outbound
	switch head.Type {
	case TypeDeviceRegistered:
		msg = &DeviceRegistered{}
	case TypeRegistrationComplete:
		msg = &RegistrationComplete{}
	case TypeConnectionRequestSent:
		msg = &ConnectionRequestSent{}
	case TypeIncomingConnectionRequest:
		msg = &IncomingConnectionRequest{}
	case TypeConnectionEstablished:
		msg = &ConnectionEstablished{}
	case TypeConnectionRejected:
		msg = &ConnectionRejected{}
	case TypeDeviceDisconnected:
		msg = &DeviceDisconnected{}
	case TypeDisconnectConfirmed:
		msg = &DisconnectConfirmed{}
	case TypeConnectionHistory:
		msg = &ConnectionHistory{}
	case TypeDeviceListUpdated:
		msg = &DeviceListUpdated{}
	case TypeError:
		msg = &Error{}
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("protocol: unsupported message type %q", head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", head.Type, err)
	}
	return msg, nil
}
