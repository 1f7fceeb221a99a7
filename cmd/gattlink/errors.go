package main

import (
	"context"
	"errors"

	"github.com/srg/gattlink/internal/gatt"
)

// Command-level errors
var (
	// ErrConnectionLost reports a link that went down while a command still needed it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotNotifiable rejects monitoring a characteristic without Notify or Indicate.
	ErrNotNotifiable = errors.New("characteristic does not support notifications")

	// ErrReadFailed reports a read the device answered with an error status.
	ErrReadFailed = errors.New("device rejected the read")
)

// formatUserError turns lifecycle failures into short hints.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, gatt.ErrCapabilityUnavailable):
		return "Bluetooth is not available on this host (is the adapter powered on?): " + err.Error()
	case errors.Is(err, gatt.ErrUnsupported):
		return "Bluetooth is not supported on this platform"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the device: " + err.Error()
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	default:
		return err.Error()
	}
}
