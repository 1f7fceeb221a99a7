package gatt

import "fmt"

// ConnectionState is the lifecycle state tracked by a Machine.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LinkState is the link state reported by a Transport callback.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
)

func (s LinkState) String() string {
	if s == LinkConnected {
		return "link_connected"
	}
	return "link_disconnected"
}

// Status is the completion code carried by transport callbacks.
// Values follow the ATT/GATT status codes.
type Status int

const (
	StatusSuccess            Status = 0x00
	StatusReadNotPermitted   Status = 0x02
	StatusInsufficientAuth   Status = 0x05
	StatusRequestUnsupported Status = 0x06
	StatusFailure            Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read_not_permitted"
	case StatusInsufficientAuth:
		return "insufficient_authentication"
	case StatusRequestUnsupported:
		return "request_not_supported"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(0x%02x)", int(s))
	}
}
