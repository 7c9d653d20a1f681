package canbus

import (
	"sync"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/can"
	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
)

const (
	// Consecutive tx-no-ack indications before the node stops transmitting.
	noAckThreshold = 10
	// Time in listen-only before one speculative transmit is allowed again.
	listenOnlyCooldown = 5 * time.Second
)

// Monitor interprets controller error frames and drives the
// Active -> ListenOnly -> Active recovery state machine. Overlapping
// fault indications are idempotent; only one fault class is acted on at
// a time.
type Monitor struct {
	bounce func(cause string)

	mu       sync.Mutex
	listen   bool
	listenAt time.Time
	noAck    int
	stats    *Stats
}

func NewMonitor(stats *Stats, bounce func(cause string)) *Monitor {
	return &Monitor{stats: stats, bounce: bounce}
}

// HandleErrorFrame classifies one controller error indication.
func (m *Monitor) HandleErrorFrame(fr can.Frame, now time.Time) {
	cls := fr.CANID & can.ERR_MASK
	m.stats.noteErrorFrame()

	switch {
	case cls&can.ERR_BUSOFF != 0:
		logging.L().Warn("can_busoff")
		m.stats.setBusOff(true)
		m.recover(metrics.CauseBusOff, now)

	case cls&can.ERR_ACK != 0:
		m.mu.Lock()
		m.noAck++
		n := m.noAck
		m.mu.Unlock()
		logging.L().Debug("can_no_ack", "count", n)
		if n >= noAckThreshold {
			logging.L().Warn("can_no_ack_storm", "count", n)
			m.recover(metrics.CauseNoAck, now)
		}

	case cls&can.ERR_CRTL != 0:
		// Handled by the controller's own error counters; log only.
		detail := fr.Data[1]
		m.stats.noteCtrl(detail)
		logging.L().Info("can_controller_state",
			"rx_warning", detail&can.ERR_CRTL_RX_WARNING != 0,
			"tx_warning", detail&can.ERR_CRTL_TX_WARNING != 0,
			"rx_passive", detail&can.ERR_CRTL_RX_PASSIVE != 0,
			"tx_passive", detail&can.ERR_CRTL_TX_PASSIVE != 0,
			"rx_overflow", detail&can.ERR_CRTL_RX_OVERFLOW != 0,
			"tx_overflow", detail&can.ERR_CRTL_TX_OVERFLOW != 0,
		)
		if detail&(can.ERR_CRTL_RX_OVERFLOW|can.ERR_CRTL_TX_OVERFLOW) != 0 {
			metrics.IncError(metrics.ErrCANOverflow)
		}

	default:
		logging.L().Debug("can_error_frame", "class", cls)
	}
}

// recover bounces the interface and enters listen-only. Already being
// in listen-only does not suppress the bounce; bus-off needs the
// controller restart either way.
func (m *Monitor) recover(cause string, now time.Time) {
	m.bounce(cause)
	metrics.IncRecovery(cause)
	m.stats.noteRecovery()

	m.mu.Lock()
	m.listen = true
	m.listenAt = now
	m.noAck = 0
	m.mu.Unlock()
	metrics.SetListenOnly(true)
	m.stats.setBusOff(false)
	logging.L().Warn("can_listen_only", "cause", cause)
}

// OnReceive records a successfully exchanged frame. Any received frame
// proves the bus works again: the no-ack counter resets and listen-only
// clears unconditionally.
func (m *Monitor) OnReceive() {
	m.mu.Lock()
	m.noAck = 0
	wasListen := m.listen
	m.listen = false
	m.mu.Unlock()
	if wasListen {
		metrics.SetListenOnly(false)
		logging.L().Info("can_active", "trigger", "rx")
	}
}

// TxAllowed reports whether transmission is currently permitted. After
// the cool-down one speculative attempt re-opens transmission without
// touching the interface again.
func (m *Monitor) TxAllowed(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.listen {
		return true
	}
	if now.Sub(m.listenAt) >= listenOnlyCooldown {
		m.listen = false
		metrics.SetListenOnly(false)
		logging.L().Info("can_active", "trigger", "cooldown")
		return true
	}
	return false
}

// ListenOnly reports the current recovery state.
func (m *Monitor) ListenOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listen
}
