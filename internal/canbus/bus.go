// Package canbus owns the CAN interface: raw frame send/receive,
// controller statistics, and autonomous recovery from bus faults.
package canbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/can"
	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
	"github.com/kstaniek/go-canopen-node/internal/socketcan"
)

// ErrListenOnly reports a transmit suppressed while recovering from a
// bus fault. Not an error for upper layers; the frame is simply dropped.
var ErrListenOnly = errors.New("canbus: transmitting suppressed in listen-only mode")

// Dev is the raw frame device underneath the bus.
type Dev interface {
	ReadFrame(fr *can.Frame, timeout time.Duration) (bool, error)
	WriteFrame(fr can.Frame) error
	Drain() int
	Close() error
}

// openDevice is swapped out by tests.
var openDevice = func(iface string) (Dev, error) { return socketcan.Open(iface) }

// Bus couples a raw CAN device with the fault monitor and the link
// controller. All transmits pass its listen-only gate.
type Bus struct {
	iface   string
	dev     Dev
	link    LinkController
	stats   Stats
	monitor *Monitor
	now     func() time.Time
}

type Option func(*Bus)

// WithLinkController replaces the iproute2 link controller.
func WithLinkController(lc LinkController) Option {
	return func(b *Bus) { b.link = lc }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Open configures the interface bitrate (when non-zero), brings the
// link up and binds the raw socket.
func Open(iface string, bitrate int, opts ...Option) (*Bus, error) {
	b := &Bus{
		iface: iface,
		link:  NewIPLink(iface),
		now:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.monitor = NewMonitor(&b.stats, b.bounceLink)

	if bitrate > 0 {
		if err := b.link.Down(); err != nil {
			return nil, fmt.Errorf("canbus: %w", err)
		}
		if err := b.link.SetBitrate(bitrate); err != nil {
			return nil, fmt.Errorf("canbus: %w", err)
		}
	}
	if err := b.link.Up(); err != nil {
		return nil, fmt.Errorf("canbus: %w", err)
	}
	dev, err := openDevice(iface)
	if err != nil {
		_ = b.link.Down()
		return nil, fmt.Errorf("canbus: %w", err)
	}
	b.dev = dev
	logging.L().Info("can_bus_open", "iface", iface, "bitrate", bitrate)
	return b, nil
}

func (b *Bus) Close() error {
	if b.dev == nil {
		return nil
	}
	err := b.dev.Close()
	b.dev = nil
	logging.L().Info("can_bus_close", "iface", b.iface)
	return err
}

// bounceLink forces the controller through a down/up cycle and throws
// away frames queued during the transition.
func (b *Bus) bounceLink(cause string) {
	logging.L().Warn("can_bus_bounce", "iface", b.iface, "cause", cause)
	if err := b.link.Down(); err != nil {
		metrics.IncError(metrics.ErrLink)
		logging.L().Error("can_link_down_failed", "iface", b.iface, "error", err)
	}
	if err := b.link.Up(); err != nil {
		metrics.IncError(metrics.ErrLink)
		logging.L().Error("can_link_up_failed", "iface", b.iface, "error", err)
	}
	if n := b.dev.Drain(); n > 0 {
		logging.L().Info("can_bus_drained", "iface", b.iface, "frames", n)
	}
}

// Poll waits up to timeout for one data frame. Error frames are consumed
// by the fault monitor and never surface; a received data frame clears a
// pending listen-only state.
func (b *Bus) Poll(timeout time.Duration) (can.Frame, bool, error) {
	var fr can.Frame
	got, err := b.dev.ReadFrame(&fr, timeout)
	if err != nil {
		metrics.IncError(metrics.ErrCANRead)
		return can.Frame{}, false, fmt.Errorf("canbus: read: %w", err)
	}
	if !got {
		return can.Frame{}, false, nil
	}
	if fr.IsError() {
		metrics.IncErrorFrame()
		b.monitor.HandleErrorFrame(fr, b.now())
		return can.Frame{}, false, nil
	}
	b.stats.noteRx(int(fr.Len))
	metrics.IncCANRx()
	b.monitor.OnReceive()
	return fr, true, nil
}

// Send transmits one frame unless the bus is in listen-only recovery.
func (b *Bus) Send(fr can.Frame) error {
	if !b.monitor.TxAllowed(b.now()) {
		b.stats.noteDropped()
		metrics.IncTxSuppressed()
		return ErrListenOnly
	}
	if err := b.dev.WriteFrame(fr); err != nil {
		if errors.Is(err, socketcan.ErrTxOverflow) {
			b.stats.noteDropped()
			metrics.IncError(metrics.ErrCANOverflow)
		} else {
			metrics.IncError(metrics.ErrCANWrite)
		}
		return fmt.Errorf("canbus: write: %w", err)
	}
	b.stats.noteTx(int(fr.Len))
	metrics.IncCANTx()
	return nil
}

// SetBitrate reprograms the controller timing on a live bus.
func (b *Bus) SetBitrate(bitrate int) error {
	if err := b.link.Down(); err != nil {
		return fmt.Errorf("canbus: %w", err)
	}
	if err := b.link.SetBitrate(bitrate); err != nil {
		return fmt.Errorf("canbus: %w", err)
	}
	if err := b.link.Up(); err != nil {
		return fmt.Errorf("canbus: %w", err)
	}
	b.dev.Drain()
	return nil
}

// Info snapshots the controller statistics.
func (b *Bus) Info() Info {
	i := b.stats.Info()
	i.ListenOnly = b.monitor.ListenOnly()
	return i
}

// ListenOnly reports whether transmission is currently suppressed.
func (b *Bus) ListenOnly() bool { return b.monitor.ListenOnly() }
