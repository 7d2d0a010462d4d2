package protocol

import "strings"

// DeviceClass is the coarse form factor a client reports on registration.
type DeviceClass string

const (
	ClassDesktop DeviceClass = "desktop"
	ClassMobile  DeviceClass = "mobile"
	ClassUnknown DeviceClass = "unknown"
)

// ParseDeviceClass maps the client-supplied deviceType onto a known class.
// Anything unrecognized (including empty) is ClassUnknown.
func ParseDeviceClass(raw string) DeviceClass {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(raw))) {
	case ClassDesktop:
		return ClassDesktop
	case ClassMobile:
		return ClassMobile
	default:
		return ClassUnknown
	}
}

const placeholderPrefixLen = 8

// PlaceholderName is the display name used for a device that has not
// registered a name of its own.
func PlaceholderName(id string) string {
	if len(id) > placeholderPrefixLen {
		id = id[:placeholderPrefixLen]
	}
	return "Device-" + id
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	HistoryStatusConnected = "connected"
)
