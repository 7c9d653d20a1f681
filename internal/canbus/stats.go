package canbus

import (
	"sync/atomic"

	"github.com/kstaniek/go-canopen-node/internal/can"
)

// Stats mirrors the controller traffic counters exposed through the
// diagnostic dictionary entry. All fields are updated from the receive
// and transmit paths without locking.
type Stats struct {
	rxFrames   atomic.Uint32
	txFrames   atomic.Uint32
	rxBytes    atomic.Uint32
	txBytes    atomic.Uint32
	errFrames  atomic.Uint32
	txDropped  atomic.Uint32
	recoveries atomic.Uint32

	busOff  atomic.Bool
	warning atomic.Bool
	passive atomic.Bool
}

func (s *Stats) noteRx(n int) {
	s.rxFrames.Add(1)
	s.rxBytes.Add(uint32(n))
}

func (s *Stats) noteTx(n int) {
	s.txFrames.Add(1)
	s.txBytes.Add(uint32(n))
}

func (s *Stats) noteErrorFrame() { s.errFrames.Add(1) }
func (s *Stats) noteDropped()    { s.txDropped.Add(1) }
func (s *Stats) noteRecovery()   { s.recoveries.Add(1) }

func (s *Stats) setBusOff(on bool) { s.busOff.Store(on) }

func (s *Stats) noteCtrl(detail uint8) {
	const warnBits = can.ERR_CRTL_RX_WARNING | can.ERR_CRTL_TX_WARNING
	const passiveBits = can.ERR_CRTL_RX_PASSIVE | can.ERR_CRTL_TX_PASSIVE
	s.warning.Store(detail&warnBits != 0)
	s.passive.Store(detail&passiveBits != 0)
}

// Info is a point-in-time copy of the counters.
type Info struct {
	RxFrames    uint32
	TxFrames    uint32
	RxBytes     uint32
	TxBytes     uint32
	ErrorFrames uint32
	TxDropped   uint32
	Recoveries  uint32
	BusOff      bool
	Warning     bool
	Passive     bool
	ListenOnly  bool
}

// Flags packs the controller state into the diagnostic bit field:
// bit 0 bus-off, bit 1 error-passive, bit 2 error-warning.
func (i Info) Flags() uint8 {
	var f uint8
	if i.BusOff {
		f |= 1 << 0
	}
	if i.Passive {
		f |= 1 << 1
	}
	if i.Warning {
		f |= 1 << 2
	}
	return f
}

func (s *Stats) Info() Info {
	return Info{
		RxFrames:    s.rxFrames.Load(),
		TxFrames:    s.txFrames.Load(),
		RxBytes:     s.rxBytes.Load(),
		TxBytes:     s.txBytes.Load(),
		ErrorFrames: s.errFrames.Load(),
		TxDropped:   s.txDropped.Load(),
		Recoveries:  s.recoveries.Load(),
		BusOff:      s.busOff.Load(),
		Warning:     s.warning.Load(),
		Passive:     s.passive.Load(),
	}
}
