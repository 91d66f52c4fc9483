//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/biomon/internal/link"
)

func defaultDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE support on %s", link.ErrUnsupported, runtime.GOOS)
}
