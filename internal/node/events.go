package node

// EventKind distinguishes lifecycle notifications sent to the observer.
type EventKind uint8

const (
	// EventResetInProgress is emitted once after a communication reset,
	// before any subsequent NMT event, so the observer can resynchronize.
	EventResetInProgress EventKind = iota
	// EventNMTState reports a network-commanded state transition.
	EventNMTState
	// EventAddressSettled reports the active address after identity
	// resolution, including a renegotiated one.
	EventAddressSettled
)

func (k EventKind) String() string {
	switch k {
	case EventResetInProgress:
		return "reset_in_progress"
	case EventNMTState:
		return "nmt_state"
	case EventAddressSettled:
		return "address_settled"
	}
	return "unknown"
}

// Event is a lifecycle notification. State is meaningful for
// EventNMTState, NodeID for EventAddressSettled.
type Event struct {
	Kind   EventKind
	State  NMTState
	NodeID uint8
}

// notify delivers an event to the observer without blocking; when the
// observer lags, events are dropped rather than stalling the runtime.
func (n *Node) notify(ev Event) {
	if n.observer == nil {
		return
	}
	select {
	case n.observer <- ev:
	default:
	}
}
