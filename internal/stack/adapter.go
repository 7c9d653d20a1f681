// Package stack adapts the CAN bus layer into the protocol-engine
// collaborator the node runtime drives: bring-up, LSS identity intake,
// NMT command dispatch and emergency emission. SDO/PDO wire mechanics
// are out of scope; protocol accesses reach the dictionary through the
// node's access path.
package stack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/can"
	"github.com/kstaniek/go-canopen-node/internal/canbus"
	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/node"
)

// CANopen function codes and LSS command specifiers.
const (
	cobNMT       = 0x000
	cobEmergency = 0x080
	cobHeartbeat = 0x700
	cobLSSTx     = 0x7E4 // slave -> master
	cobLSSRx     = 0x7E5 // master -> slave
	cobDaisy     = 0x7E3 // daisy-chain identity event

	nmtCmdStart     = 0x01
	nmtCmdStop      = 0x02
	nmtCmdPreOp     = 0x80
	nmtCmdResetNode = 0x81
	nmtCmdResetComm = 0x82

	lssSwitchGlobal = 0x04
	lssConfigureID  = 0x11
	lssModeWaiting  = 0x00
	lssModeConfig   = 0x01
)

// Bus is the frame transport underneath the adapter.
type Bus interface {
	Poll(timeout time.Duration) (can.Frame, bool, error)
	Send(fr can.Frame) error
	Info() canbus.Info
	SetBitrate(bitrate int) error
	Close() error
}

// openBus is swapped out by tests.
var openBus = func(iface string, bitrate int) (Bus, error) {
	return canbus.Open(iface, bitrate)
}

// Adapter implements node.Stack over a CAN interface.
type Adapter struct {
	iface string

	mu      sync.Mutex
	bus     Bus
	handler node.Handler
	pending uint8
	active  uint8
	lssMode uint8
}

func New(iface string) *Adapter {
	return &Adapter{iface: iface}
}

// Init opens the interface and primes the identity state. The candidate
// address becomes the pending identity; negotiation may replace it.
func (a *Adapter) Init(bitrate int, nodeID uint8, h node.Handler) error {
	bus, err := openBus(a.iface, bitrate)
	if err != nil {
		return fmt.Errorf("stack: %w", err)
	}
	a.mu.Lock()
	a.bus = bus
	a.handler = h
	a.pending = nodeID
	a.active = 0
	a.lssMode = lssModeWaiting
	a.mu.Unlock()
	return nil
}

// Start commits the pending identity and announces the node with a
// boot-up message.
func (a *Adapter) Start() error {
	a.mu.Lock()
	a.active = a.pending
	id := a.active
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return errors.New("stack: not initialized")
	}
	fr := can.Frame{CANID: uint32(cobHeartbeat) + uint32(id), Len: 1}
	if err := bus.Send(fr); err != nil && !errors.Is(err, canbus.ErrListenOnly) {
		return fmt.Errorf("stack: bootup: %w", err)
	}
	logging.L().Info("nmt_bootup", "node_id", id)
	return nil
}

// PendingNodeID is the address the identity negotiation has produced.
func (a *Adapter) PendingNodeID() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Idle reports whether no LSS transaction is in flight.
func (a *Adapter) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lssMode == lssModeWaiting
}

// Process polls the bus once with a bounded timeout and dispatches the
// received frame, if any.
func (a *Adapter) Process(timeout time.Duration) error {
	a.mu.Lock()
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return errors.New("stack: not initialized")
	}
	fr, ok, err := bus.Poll(timeout)
	if err != nil || !ok {
		return err
	}
	a.dispatch(fr)
	return nil
}

func (a *Adapter) dispatch(fr can.Frame) {
	switch fr.ID() {
	case cobNMT:
		a.handleNMT(fr)
	case cobLSSRx:
		a.handleLSS(fr)
	case cobDaisy:
		a.handleDaisy(fr)
	}
}

func (a *Adapter) handleNMT(fr can.Frame) {
	if fr.Len < 2 {
		return
	}
	cmd, target := fr.Data[0], fr.Data[1]
	a.mu.Lock()
	mine := target == 0 || target == a.active
	h := a.handler
	a.mu.Unlock()
	if !mine || h == nil {
		return
	}
	switch cmd {
	case nmtCmdStart:
		h.OnNMTState(node.NMTOperational)
	case nmtCmdStop:
		h.OnNMTState(node.NMTStopped)
	case nmtCmdPreOp:
		h.OnNMTState(node.NMTPreOperational)
	case nmtCmdResetNode:
		h.OnReset(node.ResetApplication)
	case nmtCmdResetComm:
		h.OnReset(node.ResetCommunication)
	}
}

// handleLSS implements the identity-assignment subset: mode switch and
// configure-node-id. Everything else on the LSS channel is ignored.
func (a *Adapter) handleLSS(fr can.Frame) {
	if fr.Len < 1 {
		return
	}
	switch fr.Data[0] {
	case lssSwitchGlobal:
		if fr.Len < 2 {
			return
		}
		a.mu.Lock()
		a.lssMode = fr.Data[1] & lssModeConfig
		a.mu.Unlock()
		logging.L().Debug("lss_mode", "config", fr.Data[1]&lssModeConfig != 0)
	case lssConfigureID:
		if fr.Len < 2 {
			return
		}
		a.mu.Lock()
		inConfig := a.lssMode == lssModeConfig
		if inConfig {
			a.pending = fr.Data[1]
		}
		bus := a.bus
		a.mu.Unlock()
		if !inConfig {
			return
		}
		logging.L().Info("lss_node_id_assigned", "node_id", fr.Data[1])
		resp := can.Frame{CANID: cobLSSTx, Len: 2}
		resp.Data[0] = lssConfigureID
		if err := bus.Send(resp); err != nil && !errors.Is(err, canbus.ErrListenOnly) {
			logging.L().Warn("lss_response_failed", "error", err)
		}
	}
}

// handleDaisy consumes a daisy-chain identity event: shift count plus the
// assigned node id. The assignment is immediate; no LSS transaction is
// opened, so a negotiation settles on it right away.
func (a *Adapter) handleDaisy(fr can.Frame) {
	if fr.Len < 2 {
		return
	}
	shift, id := fr.Data[0], fr.Data[1]
	a.mu.Lock()
	a.pending = id
	a.mu.Unlock()
	logging.L().Info("daisy_identity", "shift", shift, "node_id", id)
}

// Emergency emits an emergency object: error code, error register and
// manufacturer-specific info.
func (a *Adapter) Emergency(code uint16, register uint8, info uint32) error {
	a.mu.Lock()
	id := a.active
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return errors.New("stack: not initialized")
	}
	fr := can.Frame{CANID: uint32(cobEmergency) + uint32(id), Len: 8}
	binary.LittleEndian.PutUint16(fr.Data[0:2], code)
	fr.Data[2] = register
	binary.LittleEndian.PutUint32(fr.Data[3:7], info)
	return bus.Send(fr)
}

// BusInfo snapshots the controller statistics.
func (a *Adapter) BusInfo() canbus.Info {
	a.mu.Lock()
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return canbus.Info{}
	}
	return bus.Info()
}

// SetBitrate reprograms the live interface.
func (a *Adapter) SetBitrate(bitrate int) error {
	a.mu.Lock()
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return errors.New("stack: not initialized")
	}
	return bus.SetBitrate(bitrate)
}

// Close tears the interface down. Safe to call when not initialized.
func (a *Adapter) Close() error {
	a.mu.Lock()
	bus := a.bus
	a.bus = nil
	a.active = 0
	a.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Close()
}
