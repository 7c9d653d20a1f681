// Package node is the runtime layer of a CANopen device: it owns the
// object dictionary, resolves the node identity, sequences startup and
// the three reset classes, and enforces the device's validation rules on
// protocol accesses.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/canbus"
	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
	"github.com/kstaniek/go-canopen-node/internal/od"
	"github.com/kstaniek/go-canopen-node/internal/storage"
)

// State is the lifecycle state of the node runtime.
type State uint8

const (
	StateStopped State = iota
	StateConfiguring
	StateNegotiating
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConfiguring:
		return "configuring"
	case StateNegotiating:
		return "negotiating"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// Config carries the startup parameters of the runtime.
type Config struct {
	// NodeID is an explicit address override; 0 resolves from the
	// persisted communication group or negotiation.
	NodeID uint8
	// Bitrate in bit/s; 0 uses the persisted value or 250 kbit/s.
	Bitrate int
	// PDOManual enables the manual PDO trigger entry.
	PDOManual bool
	// NegotiateInterval bounds each poll of the negotiation loop.
	NegotiateInterval time.Duration
	// RxPollInterval bounds each poll of the receive task.
	RxPollInterval time.Duration
}

const defaultRxPollInterval = 5 * time.Millisecond
const defaultBitrate = 250_000

// Node is the lifecycle controller. It implements Handler for the
// protocol engine.
type Node struct {
	cfg   Config
	hw    Hardware
	dict  *od.Dictionary
	store *storage.Orchestrator
	stack Stack

	bootloader Bootloader
	system     System
	sensors    Sensors
	daisy      DaisyChain
	housekeep  func()
	observer   chan<- Event
	pdoManual  bool

	mu           sync.Mutex
	state        State
	active       uint8
	bitrate      int
	nmt          NMTState
	powerCounted bool
	sensorFault  bool

	resets   resetLatch
	resetSig chan struct{}

	workerOnce sync.Once
	workerEnd  chan struct{}
	quitC      chan struct{}
	parkReq    chan struct{}
	parkAck    chan struct{}
	resumeC    chan struct{}
	parked     bool
	started    bool
}

// Option configures collaborators on construction.
type Option func(*Node)

func WithHardware(hw Hardware) Option     { return func(n *Node) { n.hw = hw } }
func WithBootloader(b Bootloader) Option  { return func(n *Node) { n.bootloader = b } }
func WithSystem(s System) Option          { return func(n *Node) { n.system = s } }
func WithSensors(s Sensors) Option        { return func(n *Node) { n.sensors = s } }
func WithDaisyChain(d DaisyChain) Option  { return func(n *Node) { n.daisy = d } }
func WithHousekeeping(fn func()) Option   { return func(n *Node) { n.housekeep = fn } }
func WithObserver(ch chan<- Event) Option { return func(n *Node) { n.observer = ch } }

// New builds a node runtime over the protocol engine and a persistence
// backend. The dictionary and group definitions are created here.
func New(cfg Config, stack Stack, backend storage.Backend, opts ...Option) *Node {
	dict := buildDictionary()
	store := storage.New(dict, backend)
	defineGroups(store)

	n := &Node{
		cfg:       cfg,
		dict:      dict,
		store:     store,
		stack:     stack,
		system:    nopSystem{},
		sensors:   nopSensors{},
		pdoManual: cfg.PDOManual,
		state:     StateStopped,
		resetSig:  make(chan struct{}, 1),
		workerEnd: make(chan struct{}),
		quitC:     make(chan struct{}),
		parkReq:   make(chan struct{}),
		parkAck:   make(chan struct{}),
		resumeC:   make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Dictionary exposes the object dictionary for the engine's protocol
// access path and for diagnostics.
func (n *Node) Dictionary() *od.Dictionary { return n.dict }

// State reports the lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// ActiveNodeID is the address in use on the bus, 0 while not running.
func (n *Node) ActiveNodeID() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// NMT reports the current network-management state.
func (n *Node) NMT() NMTState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nmt
}

func (n *Node) activeBitrate() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bitrate
}

// BusInfo snapshots the controller statistics for diagnostics surfaces.
func (n *Node) BusInfo() canbus.Info { return n.stack.BusInfo() }

func (n *Node) listenOnly() bool { return n.stack.BusInfo().ListenOnly }

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// RequestReset latches a reset request for the lifecycle loop. A higher
// class overrides a pending lower one.
func (n *Node) RequestReset(r Reset) {
	if r == ResetNone {
		return
	}
	n.resets.request(r)
	select {
	case n.resetSig <- struct{}{}:
	default:
	}
}

// OnReset implements Handler: NMT reset commands from the network.
func (n *Node) OnReset(r Reset) {
	logging.L().Info("nmt_reset_command", "class", r)
	n.RequestReset(r)
}

// OnNMTState implements Handler.
func (n *Node) OnNMTState(st NMTState) {
	n.mu.Lock()
	n.nmt = st
	n.mu.Unlock()
	logging.L().Info("nmt_state", "state", st)
	n.notify(Event{Kind: EventNMTState, State: st})
}

// Run executes the lifecycle until a quit, an application reset or
// context cancellation. A failed restart after a communication reset
// escalates to a device reboot request.
func (n *Node) Run(ctx context.Context) error {
	if err := n.start(ctx, n.cfg.NodeID, false); err != nil {
		n.stopWorker()
		return err
	}
	for {
		select {
		case <-ctx.Done():
			n.teardown()
			n.stopWorker()
			return ctx.Err()
		case <-n.resetSig:
			switch r := n.resets.take(); r {
			case ResetNone:
				// Raced with a previous consume.
			case ResetCommunication:
				metrics.IncReset("communication")
				logging.L().Info("reset_comm")
				suggested := n.stack.PendingNodeID()
				if !ValidNodeID(suggested) {
					suggested = 0
				}
				n.teardown()
				if err := n.start(ctx, suggested, true); err != nil {
					if errors.Is(err, context.Canceled) {
						n.stopWorker()
						return err
					}
					logging.L().Error("reset_comm_failed", "error", err)
					n.stopWorker()
					n.system.RequestReboot()
					return fmt.Errorf("node: communication reset: %w", err)
				}
			case ResetApplication:
				metrics.IncReset("application")
				logging.L().Warn("reset_app")
				n.teardown()
				n.stopWorker()
				n.system.RequestReboot()
				return nil
			case ResetQuit:
				metrics.IncReset("quit")
				logging.L().Info("reset_quit")
				n.teardown()
				n.stopWorker()
				return nil
			}
		}
	}
}

// start runs the Configuring -> (Negotiating) -> Running sequence with
// the given explicit address (0 = resolve). Any bring-up failure tears
// the interface down before returning.
func (n *Node) start(ctx context.Context, explicit uint8, isReset bool) error {
	n.setState(StateConfiguring)

	// Factory values first, then the startup-derived values, then any
	// stored snapshots on top. An erased group therefore comes back at
	// its compiled-in defaults.
	n.restoreDefaults()
	n.setDefaults()
	n.loadGroups()

	tx := n.dict.Lock()
	persisted := tx.U8(idxNodeID, 0)
	storedKbit := tx.U16(idxBitRate, 0)
	tx.Unlock()

	bitrate := n.cfg.Bitrate
	if bitrate <= 0 {
		bitrate = int(storedKbit) * 1000
	}
	if bitrate <= 0 {
		bitrate = defaultBitrate
	}

	addr, negState := resolveAddress(explicit, persisted)
	logging.L().Info("node_configuring",
		"explicit", explicit, "persisted", persisted,
		"candidate", addr, "bitrate", bitrate)

	if err := n.stack.Init(bitrate, addr, n); err != nil {
		metrics.IncError(metrics.ErrStackInit)
		n.setState(StateStopped)
		return fmt.Errorf("node: bring-up: %w", err)
	}

	if negState == Negotiating {
		n.setState(StateNegotiating)
		neg := &negotiator{
			housekeep: n.housekeep,
			poll:      n.stack.Process,
			pending:   n.stack.PendingNodeID,
			idle:      n.stack.Idle,
			interval:  n.cfg.NegotiateInterval,
		}
		id, err := neg.run(ctx)
		if err != nil {
			_ = n.stack.Close()
			n.setState(StateStopped)
			return err
		}
		if id != persisted {
			logging.L().Info("lss_addr_changed", "persisted", persisted, "node_id", id)
		}
		addr = id
	}

	// Finalize: commit the active identity, then announce on the bus.
	n.mu.Lock()
	n.active = addr
	n.bitrate = bitrate
	n.nmt = NMTPreOperational
	n.mu.Unlock()
	metrics.SetActiveNodeID(addr)
	n.installCallbacks()

	if err := n.stack.Start(); err != nil {
		_ = n.stack.Close()
		n.mu.Lock()
		n.active = 0
		n.mu.Unlock()
		metrics.SetActiveNodeID(0)
		n.setState(StateStopped)
		return fmt.Errorf("node: announce: %w", err)
	}

	if isReset {
		// The observer must see the synthetic reset event before any
		// real NMT event after the restart.
		n.notify(Event{Kind: EventResetInProgress, NodeID: addr})
	}
	n.notify(Event{Kind: EventAddressSettled, NodeID: addr})

	n.mu.Lock()
	firstStart := !n.powerCounted
	n.powerCounted = true
	n.mu.Unlock()
	if firstStart {
		n.countPowerOn()
	}

	n.resumeWorker()
	n.setState(StateRunning)
	logging.L().Info("node_running", "node_id", addr, "bitrate", bitrate)
	return nil
}

// restoreDefaults rewrites every persisted group member to its factory
// value before any load runs.
func (n *Node) restoreDefaults() {
	for _, g := range storage.Groups() {
		n.store.ApplyDefaults(g)
	}
}

// loadGroups pulls every persisted group into the dictionary. Failures
// keep the compiled-in defaults and never abort startup.
func (n *Node) loadGroups() {
	for _, g := range storage.Groups() {
		err := n.store.Load(g)
		switch {
		case err == nil:
			metrics.IncStorage("load", true)
			logging.L().Debug("storage_loaded", "group", g)
		case errors.Is(err, storage.ErrNotExist):
			logging.L().Debug("storage_empty", "group", g)
		default:
			metrics.IncStorage("load", false)
			metrics.IncError(metrics.ErrStorageLoad)
			logging.L().Warn("storage_load_failed", "group", g, "error", err)
		}
	}
	// A valid loaded serial record re-derives the public serial number,
	// same rule as on store.
	tx := n.dict.Lock()
	if tx.U8(idxSerialRecord, 1) != 0 {
		derivePublicSerial(tx)
	}
	tx.Unlock()
}

// countPowerOn increments and persists the power-on counter, once per
// process lifetime.
func (n *Node) countPowerOn() {
	tx := n.dict.Lock()
	count := tx.U32(idxPowerOnCounter, 0) + 1
	tx.SetU32(idxPowerOnCounter, 0, count)
	tx.Unlock()
	_ = n.save(storage.Runtime)
	logging.L().Info("power_on", "count", count)
}

// teardown parks the receive task, waits for its acknowledgement and
// closes the engine.
func (n *Node) teardown() {
	n.parkWorker()
	if err := n.stack.Close(); err != nil {
		logging.L().Warn("stack_close_failed", "error", err)
	}
	n.mu.Lock()
	n.active = 0
	n.mu.Unlock()
	metrics.SetActiveNodeID(0)
	n.setState(StateStopped)
	logging.L().Info("node_stopped")
}

// runWorker is the time-critical receive task. It polls the engine with
// a bounded timeout and honors the synchronous park/resume handshake.
func (n *Node) runWorker() {
	defer close(n.workerEnd)
	interval := n.cfg.RxPollInterval
	if interval <= 0 {
		interval = defaultRxPollInterval
	}
	for {
		select {
		case <-n.quitC:
			return
		case <-n.parkReq:
			n.parkAck <- struct{}{}
			select {
			case <-n.resumeC:
			case <-n.quitC:
				return
			}
		default:
			if err := n.stack.Process(interval); err != nil {
				logging.L().Warn("rx_process_failed", "error", err)
			}
		}
	}
}

// parkWorker suspends the receive task and returns only after the task
// acknowledged the suspension.
func (n *Node) parkWorker() {
	if !n.started || n.parked {
		return
	}
	n.parkReq <- struct{}{}
	<-n.parkAck
	n.parked = true
}

// resumeWorker starts the receive task on first use, resumes it after a
// park otherwise.
func (n *Node) resumeWorker() {
	if !n.started {
		n.started = true
		go n.runWorker()
		return
	}
	if n.parked {
		n.resumeC <- struct{}{}
		n.parked = false
	}
}

func (n *Node) stopWorker() {
	if !n.started {
		return
	}
	n.workerOnce.Do(func() { close(n.quitC) })
	<-n.workerEnd
}

// SetNodeID persists a new address and requests a communication reset to
// apply it. Exposed to the supervisory console.
func (n *Node) SetNodeID(id uint8) error {
	if abort := n.dict.Write(idxNodeID, 0, []byte{id}); abort != od.AbortNone {
		return fmt.Errorf("node: set address %d: %s", id, abort)
	}
	if err := n.save(storage.Communication); err != nil {
		return err
	}
	n.RequestReset(ResetCommunication)
	return nil
}

// SetBitRate reprograms the controller on the live interface. The value
// is not persisted; use the communication group store for that.
func (n *Node) SetBitRate(kbit uint16) error {
	buf := []byte{byte(kbit), byte(kbit >> 8)}
	if abort := n.dict.Write(idxBitRate, 0, buf); abort != od.AbortNone {
		return fmt.Errorf("node: set bitrate %d: %s", kbit, abort)
	}
	if err := n.stack.SetBitrate(int(kbit) * 1000); err != nil {
		return err
	}
	n.mu.Lock()
	n.bitrate = int(kbit) * 1000
	n.mu.Unlock()
	logging.L().Info("bitrate_changed", "kbit", kbit)
	return nil
}

// RequestRestore schedules factory defaults for a group, effective after
// the next reset.
func (n *Node) RequestRestore(g storage.Group) error {
	if err := n.store.Restore(g); err != nil {
		metrics.IncStorage("restore", false)
		return err
	}
	metrics.IncStorage("restore", true)
	logging.L().Info("storage_restore_scheduled", "group", g)
	return nil
}

type nopSystem struct{}

func (nopSystem) RequestReboot() { logging.L().Warn("reboot_requested_noop") }

type nopSensors struct{}

func (nopSensors) Temperature() (float32, error) { return 0, nil }
func (nopSensors) Voltage() (float32, error)     { return 0, nil }
