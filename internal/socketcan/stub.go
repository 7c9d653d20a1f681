//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/can"
)

// ErrTxOverflow is provided for non-linux builds so node code can compile.
var ErrTxOverflow = errors.New("socketcan tx overflow (stub)")

var errUnsupported = errors.New("socketcan: only supported on linux")

type Device struct{}

func Open(iface string) (*Device, error) { return nil, errUnsupported }

func (d *Device) Close() error { return errUnsupported }

func (d *Device) ReadFrame(fr *can.Frame, timeout time.Duration) (bool, error) {
	return false, errUnsupported
}

func (d *Device) Drain() int { return 0 }

func (d *Device) WriteFrame(fr can.Frame) error { return errUnsupported }
