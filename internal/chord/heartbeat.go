package chord

import (
	"context"
	"fmt"

	"github.com/zde37/ringpeer/internal/telemetry"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
	"github.com/zde37/ringpeer/pkg/hash"
)

// slotMonitor is the heartbeat state of one successor slot. It is owned by
// that slot's sender goroutine and needs no locking.
type slotMonitor struct {
	slot      Slot
	seq       uint8
	lastAcked uint8
	target    NodeRef
}

// retarget starts gap accounting from scratch for a new successor, as if the
// previous sequence number had been acknowledged.
func (m *slotMonitor) retarget(target NodeRef) {
	m.target = target
	m.lastAcked = m.seq - 1
}

// gap is the number of sequence numbers sent without an acknowledgement.
func (m *slotMonitor) gap() uint8 {
	return hash.SeqGap(m.lastAcked, m.seq)
}

// heartbeatLoop probes the successor in slot every PingInterval until the slot
// is empty or the peer shuts down.
func (n *Peer) heartbeatLoop(slot Slot) {
	defer n.wg.Done()

	m := &slotMonitor{slot: slot}
	logger := n.logger.WithFields(pkg.Fields{"component": "heartbeat", "slot": int(slot)})

	for {
		if !n.heartbeat(n.ctx, m) {
			logger.Info().Msg("Heartbeat sender stopped")
			return
		}
		if !n.sleep(n.ctx, n.config.PingInterval) {
			logger.Debug().Msg("Heartbeat sender cancelled")
			return
		}
	}
}

// heartbeat runs one probe of m's slot. It returns false when there is nothing
// left to probe: the slot is unset or holds ourselves, or ctx is done.
func (n *Peer) heartbeat(ctx context.Context, m *slotMonitor) bool {
	if ctx.Err() != nil {
		return false
	}

	target := n.successor(m.slot)
	if !target.Valid || target.ID == n.id {
		return false
	}
	if target != m.target {
		m.retarget(target)
	}

	slotLabel := m.slot.String()
	pingCtx, cancel := context.WithTimeout(ctx, n.config.PingTimeout)
	resp, err := n.remote.Ping(pingCtx, target.ID, wire.PingRequest(n.id, uint8(m.slot), m.seq))
	cancel()
	telemetry.PingsSent.WithLabelValues(slotLabel).Inc()

	switch {
	case err == nil:
		m.lastAcked = resp.Seq()
		telemetry.PingsAcked.WithLabelValues(slotLabel).Inc()

		n.emit(RingUpdateEvent{
			Type:    EventPingResponse,
			Subject: target,
			Slot:    m.slot,
			Message: fmt.Sprintf("A ping response message was received from Peer %d.", target.ID),
		})

	case ctx.Err() != nil:
		// shutting down, not a missed beat
		return false

	default:
		telemetry.PingTimeouts.WithLabelValues(slotLabel).Inc()
		gap := m.gap()

		n.logger.Debug().
			Err(err).
			Stringer("slot", m.slot).
			Uint8("target", target.ID).
			Uint8("seq", m.seq).
			Uint8("gap", gap).
			Msg("Ping timed out")

		if int(gap) > n.config.AckAccumulationMax {
			n.logger.Warn().
				Stringer("slot", m.slot).
				Uint8("target", target.ID).
				Uint8("gap", gap).
				Msg("Successor declared dead")

			n.emit(RingUpdateEvent{
				Type:    EventPeerDead,
				Subject: target,
				Slot:    m.slot,
				Message: fmt.Sprintf("Peer %d is no longer alive.", target.ID),
			})

			n.repair(ctx, m.slot, target.ID)
		}
	}

	telemetry.SeqGap.WithLabelValues(slotLabel).Set(float64(m.gap()))
	m.seq++
	return true
}
