package chord

import (
	"context"
	"errors"
	"fmt"

	"github.com/zde37/ringpeer/internal/telemetry"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
)

// Leave announces our departure to our predecessor, handing over both
// successors. The caller terminates the process afterwards. A missing
// predecessor or an unreachable one means we are the last peer, which is
// not an error.
func (n *Peer) Leave(ctx context.Context) error {
	pred := n.getPredecessor()
	if !pred.Valid {
		n.logger.Info().
			Dur("wait", n.config.RepairWait()).
			Msg("Predecessor unknown, waiting for a heartbeat before leaving")
		if !n.sleep(ctx, n.config.RepairWait()) {
			return ctx.Err()
		}
		pred = n.getPredecessor()
	}

	n.emit(RingUpdateEvent{
		Type:    EventPeerDeparting,
		Subject: Ref(n.id),
		Message: fmt.Sprintf("Peer %d will depart from the network.", n.id),
	})

	snap := n.Snapshot()
	if !pred.Valid || pred.ID == n.id || !snap.Successor1.Valid {
		n.logger.Info().Msg("No peer to notify, leaving as the last peer")
		return nil
	}

	succ2 := snap.Successor2
	if !succ2.Valid {
		succ2 = snap.Successor1
	}
	notice := wire.DepartureNotice(n.id, snap.Successor1.ID, succ2.ID)

	if err := n.send(ctx, pred.ID, notice); err != nil {
		if errors.Is(err, pkg.ErrPeerUnreachable) {
			n.logger.Info().
				Err(err).
				Uint8("predecessor", pred.ID).
				Msg("Predecessor unreachable, leaving as the last peer")
			return nil
		}
		return fmt.Errorf("send departure notice to peer %d: %w", pred.ID, err)
	}

	n.logger.Info().
		Uint8("predecessor", pred.ID).
		Stringer("successor1", snap.Successor1).
		Stringer("successor2", succ2).
		Msg("Departure notice sent")
	return nil
}

// HandleDeparture applies a departure notice. The peer for which the departing
// one was the first successor adopts both reported successors and passes the
// notice on to its own predecessor; that peer had the departing one as second
// successor and only shifts slot 2. Propagation stops there.
func (n *Peer) HandleDeparture(ctx context.Context, msg wire.Message) error {
	if msg.Type != wire.TypeDepartureNotice {
		return fmt.Errorf("%w: expected %s, got %s", wire.ErrMalformed, wire.TypeDepartureNotice, msg.Type)
	}

	departing, r1, r2 := msg.Sender, msg.Successor1(), msg.Successor2()
	action := "ignored"

	n.updateSuccessors(fmt.Sprintf("peer %d departed", departing), func(s1, s2 *NodeRef) bool {
		switch {
		case s1.Is(departing):
			action = "adopted"
			if r1 == n.id {
				// the departing peer was the only other member
				action = "alone"
				*s1, *s2 = NodeRef{}, NodeRef{}
				return true
			}
			*s1, *s2 = Ref(r1), Ref(r2)
			return true
		case s2.Is(departing):
			action = "shifted"
			*s2 = Ref(r1)
			return true
		}
		return false
	})

	telemetry.Departures.WithLabelValues(action).Inc()
	n.logger.Info().
		Uint8("departing", departing).
		Uint8("reported_successor1", r1).
		Uint8("reported_successor2", r2).
		Str("action", action).
		Msg("Departure notice handled")

	if action == "ignored" {
		return nil
	}

	n.emit(RingUpdateEvent{
		Type:    EventPeerDeparted,
		Subject: Ref(departing),
		Message: fmt.Sprintf("Peer %d has departed from the network.", departing),
	})

	if action != "adopted" {
		return nil
	}

	pred := n.getPredecessor()
	if !pred.Valid || pred.ID == n.id || pred.ID == departing {
		return nil
	}
	if err := n.send(ctx, pred.ID, msg); err != nil {
		n.logger.Warn().
			Err(err).
			Uint8("predecessor", pred.ID).
			Msg("Failed to forward departure notice")
		return fmt.Errorf("forward departure notice to peer %d: %w", pred.ID, err)
	}
	return nil
}
