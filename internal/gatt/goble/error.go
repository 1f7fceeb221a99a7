package goble

import (
	"fmt"
	"strings"

	"github.com/srg/gattlink/internal/gatt"
)

// NormalizeError maps known go-ble error strings to gatt error kinds.
// The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", gatt.ErrCapabilityUnavailable, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", gatt.ErrCapabilityUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", gatt.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", gatt.ErrNotConnected, err)
	default:
		return err
	}
}

// statusOf turns the result of a radio operation into a callback status.
func statusOf(err error) gatt.Status {
	if err == nil {
		return gatt.StatusSuccess
	}
	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "read not permitted"):
		return gatt.StatusReadNotPermitted
	case containsIgnoreCase(msg, "authentication"):
		return gatt.StatusInsufficientAuth
	case containsIgnoreCase(msg, "not supported"):
		return gatt.StatusRequestUnsupported
	default:
		return gatt.StatusFailure
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
