package node

import (
	"sync"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/canbus"
)

// UnassignedNodeID is the LSS sentinel for a node without an address.
const UnassignedNodeID uint8 = 0xFF

// ValidNodeID reports whether id is a usable CANopen node address.
func ValidNodeID(id uint8) bool { return id >= 1 && id <= 127 }

// NMTState is the network-management state of the node (CiA 301 values).
type NMTState uint8

const (
	NMTInitializing   NMTState = 0
	NMTStopped        NMTState = 4
	NMTOperational    NMTState = 5
	NMTPreOperational NMTState = 127
)

func (s NMTState) String() string {
	switch s {
	case NMTInitializing:
		return "initializing"
	case NMTStopped:
		return "stopped"
	case NMTOperational:
		return "operational"
	case NMTPreOperational:
		return "pre-operational"
	}
	return "unknown"
}

// Reset classifies a reset request. Higher values take priority when
// several requests race before the lifecycle controller consumes them.
type Reset uint8

const (
	ResetNone Reset = iota
	ResetCommunication
	ResetApplication
	ResetQuit
)

func (r Reset) String() string {
	switch r {
	case ResetNone:
		return "none"
	case ResetCommunication:
		return "communication"
	case ResetApplication:
		return "application"
	case ResetQuit:
		return "quit"
	}
	return "unknown"
}

// resetLatch holds at most one pending reset request. A higher-priority
// class overrides a pending lower one; consuming returns ResetNone when
// nothing is pending.
type resetLatch struct {
	mu      sync.Mutex
	pending Reset
}

func (l *resetLatch) request(r Reset) {
	l.mu.Lock()
	if r > l.pending {
		l.pending = r
	}
	l.mu.Unlock()
}

func (l *resetLatch) take() Reset {
	l.mu.Lock()
	r := l.pending
	l.pending = ResetNone
	l.mu.Unlock()
	return r
}

// Handler is the capability interface the node runtime registers with the
// protocol engine. The engine invokes it from its frame-dispatch context.
type Handler interface {
	// OnReset consumes an NMT reset command from the network.
	OnReset(Reset)
	// OnNMTState reports a state transition commanded by the network.
	OnNMTState(NMTState)
}

// Stack is the protocol-engine collaborator: object-dictionary protocol
// access, LSS identity negotiation and NMT/EMCY signalling are behind it.
// Wire mechanics are its problem; the node runtime only drives bring-up,
// polling and teardown.
type Stack interface {
	// Init brings the engine up on the given bit-rate with a candidate
	// address (UnassignedNodeID to negotiate). Failure leaves nothing
	// registered.
	Init(bitrate int, nodeID uint8, h Handler) error
	// Start announces the node on the bus (boot-up message) and enters
	// pre-operational.
	Start() error
	// Process polls the bus with a bounded timeout and dispatches at most
	// a handful of frames. It is the body of the receive task.
	Process(timeout time.Duration) error
	// PendingNodeID is the address the identity negotiation has produced
	// so far, UnassignedNodeID while none.
	PendingNodeID() uint8
	// Idle reports whether the negotiation protocol is in its idle or
	// waiting state, i.e. not mid-transaction.
	Idle() bool
	// Emergency sends an emergency object with the given error code,
	// error register and manufacturer-specific info.
	Emergency(code uint16, register uint8, info uint32) error
	// BusInfo snapshots the CAN controller statistics.
	BusInfo() canbus.Info
	// SetBitrate reprograms the controller timing on the live interface.
	SetBitrate(bitrate int) error
	// Close tears the engine and the interface down.
	Close() error
}

// BootloaderResult is the outcome of a program-control request.
type BootloaderResult uint8

const (
	BootloaderOK BootloaderResult = iota
	BootloaderTimeout
	BootloaderWrongState
	BootloaderReboot
	BootloaderInvalid
)

// Bootloader accepts program-control commands on behalf of the device
// firmware updater.
type Bootloader interface {
	Request(nodeID uint8, command uint8) BootloaderResult
}

// System exposes supervisory actions on the host.
type System interface {
	// RequestReboot schedules a full device reboot. It does not block.
	RequestReboot()
}

// Sensors samples the board diagnostics.
type Sensors interface {
	Temperature() (float32, error)
	Voltage() (float32, error)
}

// DaisyChain drives the address-assignment shift register and its
// presence line.
type DaisyChain interface {
	ShiftPulse()
	Present() bool
}

// Hardware is the static identity of the board, written into the
// dictionary at startup.
type Hardware struct {
	Name        string
	Version     string
	DeviceType  uint16
	HardwareRev uint16
	VendorID    uint32
	Checksum    uint32
}
