package pairing

import "errors"

var (
	ErrTooManyDevices = errors.New("too many devices")
	ErrIDAllocation   = errors.New("failed to allocate unique device id")
	ErrHubClosed      = errors.New("pairing hub closed")
)
