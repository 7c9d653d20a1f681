package node

import (
	"context"
	"time"

	"github.com/kstaniek/go-canopen-node/internal/logging"
)

// NegotiateState tracks identity resolution.
type NegotiateState uint8

const (
	Undetermined NegotiateState = iota
	Negotiating
	Settled
)

// resolveAddress decides the candidate node address before bring-up.
// An explicit non-zero address wins outright; a valid persisted address
// settles without negotiation; anything else enters negotiation with the
// unassigned sentinel.
func resolveAddress(explicit, persisted uint8) (uint8, NegotiateState) {
	if explicit != 0 {
		return explicit, Settled
	}
	if ValidNodeID(persisted) {
		return persisted, Settled
	}
	return UnassignedNodeID, Negotiating
}

// negotiator runs the blocking identity-negotiation loop: yield to
// housekeeping, poll the bus with a bounded timeout, and settle only once
// the protocol has both produced a concrete address and gone idle. The
// loop has no iteration bound; cancellation comes from the context.
type negotiator struct {
	housekeep func()
	poll      func(timeout time.Duration) error
	pending   func() uint8
	idle      func() bool
	interval  time.Duration
}

const defaultNegotiateInterval = 10 * time.Millisecond

func (g *negotiator) run(ctx context.Context) (uint8, error) {
	interval := g.interval
	if interval <= 0 {
		interval = defaultNegotiateInterval
	}
	logging.L().Info("lss_negotiating")
	for {
		if err := ctx.Err(); err != nil {
			return UnassignedNodeID, err
		}
		if g.housekeep != nil {
			g.housekeep()
		}
		if err := g.poll(interval); err != nil {
			logging.L().Warn("lss_poll_failed", "error", err)
		}
		// A produced address alone is not enough; committing to it
		// mid-transaction would expose a transient value.
		if id := g.pending(); ValidNodeID(id) && g.idle() {
			logging.L().Info("lss_settled", "node_id", id)
			return id, nil
		}
	}
}
