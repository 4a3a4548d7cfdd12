package chord

import (
	"context"
	"fmt"

	"github.com/zde37/ringpeer/internal/telemetry"
	"github.com/zde37/ringpeer/internal/wire"
)

// repair restores the successor list after the successor in slot was declared dead.
func (n *Peer) repair(ctx context.Context, slot Slot, dead uint8) {
	var result string
	switch slot {
	case Slot1:
		result = n.repairFirst(ctx, dead)
	case Slot2:
		result = n.repairSecond(ctx, dead)
	}
	telemetry.Repairs.WithLabelValues(slot.String(), result).Inc()
}

// repairFirst promotes the second successor right away so routing never
// pauses, then asks the new first successor for its own successor to refill
// slot 2.
func (n *Peer) repairFirst(ctx context.Context, dead uint8) string {
	promoted := false
	s1, _ := n.updateSuccessors("successor1 failed", func(s1, s2 *NodeRef) bool {
		if !s1.Is(dead) {
			// a departure notice got here first
			return false
		}
		*s1 = *s2
		promoted = true
		return true
	})

	if !promoted {
		return "stale"
	}
	if !s1.Valid {
		return "collapsed"
	}
	return n.refillSecond(ctx, s1.ID)
}

// repairSecond waits one heartbeat interval plus a margin so the dead peer's
// own predecessor, our first successor, can repair its view first. It then
// takes that peer's first successor as our second.
func (n *Peer) repairSecond(ctx context.Context, dead uint8) string {
	if !n.sleep(ctx, n.config.RepairWait()) {
		return "cancelled"
	}

	if !n.successor(Slot2).Is(dead) {
		n.logger.Debug().Uint8("dead", dead).Msg("Second successor already replaced")
		return "stale"
	}

	s1 := n.successor(Slot1)
	if !s1.Valid {
		return "collapsed"
	}
	return n.refillSecond(ctx, s1.ID)
}

// refillSecond queries succ1 for its first successor and stores the answer in
// slot 2, provided succ1 is still our first successor by then. An answer naming
// succ1 itself leaves slot 2 empty.
func (n *Peer) refillSecond(ctx context.Context, succ1 uint8) string {
	next, err := n.querySuccessor(ctx, succ1)
	if err != nil {
		n.logger.Error().
			Err(err).
			Uint8("successor1", succ1).
			Msg("Failure query failed, second successor not repaired")
		return "query_failed"
	}

	n.updateSuccessors("failure query", func(s1, s2 *NodeRef) bool {
		if !s1.Is(succ1) {
			return false
		}
		if next == succ1 {
			// succ1 answered with itself: it has no successor to offer
			*s2 = NodeRef{}
			return true
		}
		*s2 = Ref(next)
		return true
	})
	return "ok"
}

// querySuccessor asks target for its first successor over the control channel.
func (n *Peer) querySuccessor(ctx context.Context, target uint8) (uint8, error) {
	qctx, cancel := context.WithTimeout(ctx, n.config.DialTimeout)
	defer cancel()

	next, err := n.remote.QuerySuccessor(qctx, target, wire.FailureQuery(n.id))
	if err != nil {
		return 0, fmt.Errorf("query successor of peer %d: %w", target, err)
	}
	return next, nil
}

// HandleFailureQuery answers a failure query with our first successor, or our
// own id when we are alone.
func (n *Peer) HandleFailureQuery(msg wire.Message) uint8 {
	s1 := n.successor(Slot1)

	n.logger.Debug().
		Uint8("from", msg.Sender).
		Stringer("successor1", s1).
		Msg("Answering failure query")

	if !s1.Valid {
		return n.id
	}
	return s1.ID
}
