package gatt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies lifecycle failures.
type ErrorKind string

const (
	CapabilityUnavailable ErrorKind = "capability_unavailable"
	InvalidRequest        ErrorKind = "invalid_request"
	NoHandle              ErrorKind = "no_handle"
	NotConnected          ErrorKind = "not_connected"
)

// LifecycleError reports a request rejected before reaching the transport.
type LifecycleError struct {
	Kind ErrorKind
	Msg  string
}

func (e *LifecycleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is match LifecycleError values by Kind.
func (e *LifecycleError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LifecycleError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrCapabilityUnavailable = &LifecycleError{Kind: CapabilityUnavailable}
	ErrInvalidRequest        = &LifecycleError{Kind: InvalidRequest}
	ErrNoHandle              = &LifecycleError{Kind: NoHandle}
	ErrNotConnected          = &LifecycleError{Kind: NotConnected}
)

// ErrUnsupported is returned by transports for requests they cannot honour.
var ErrUnsupported = errors.New("unsupported")

// TransportError reports a failed transport request or a non-success callback status.
type TransportError struct {
	Op     string
	Status Status
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	case e.Status != StatusSuccess:
		return fmt.Sprintf("transport %s failed: %s", e.Op, e.Status)
	default:
		return fmt.Sprintf("transport %s failed", e.Op)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a catalog lookup miss.
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // lookup path, outermost first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parent := "service"
	if e.Resource == "descriptor" {
		parent = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parent, e.UUIDs[len(e.UUIDs)-2])
}

// IsKind reports whether err is a LifecycleError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var lerr *LifecycleError
	if errors.As(err, &lerr) {
		return lerr.Kind == kind
	}
	return false
}
