//go:build linux

package bledev

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// Factory creates the platform BLE central device. A variable so tests can
// substitute a mock.
var Factory = func() (ble.Device, error) {
	return linux.NewDevice()
}
