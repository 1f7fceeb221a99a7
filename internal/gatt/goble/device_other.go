//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/gatt"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no Bluetooth stack for %s", gatt.ErrUnsupported, runtime.GOOS)
}
