package chord

import (
	"context"
	"errors"
	"fmt"

	"github.com/zde37/ringpeer/internal/telemetry"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
	"github.com/zde37/ringpeer/pkg/hash"
)

// errLookupLooped is returned when our own lookup comes back around the ring
// without any peer claiming the key.
var errLookupLooped = errors.New("lookup returned to its originator")

// Lookup locates the peer responsible for an application key (0-9999).
// It either reports the key as ours or forwards a lookup request along the
// successor chain; the owner answers the originator directly.
func (n *Peer) Lookup(ctx context.Context, key int) error {
	h, band, err := hash.SplitKey(key)
	if err != nil {
		return err
	}
	return n.routeLookup(ctx, wire.LookupRequest(n.id, h, band))
}

// HandleLookupRequest routes a lookup request forwarded by our predecessor.
func (n *Peer) HandleLookupRequest(ctx context.Context, msg wire.Message) error {
	if msg.Sender == n.id {
		key := hash.JoinKey(msg.KeyHash(), msg.KeyBand())
		n.lookupFailed(key, errLookupLooped)
		return fmt.Errorf("lookup key %d: %w", key, errLookupLooped)
	}
	return n.routeLookup(ctx, msg)
}

// HandleLookupResponse reports the answer to a lookup we originated.
func (n *Peer) HandleLookupResponse(msg wire.Message) error {
	key := hash.JoinKey(msg.KeyHash(), msg.KeyBand())

	n.logger.Info().
		Int("key", key).
		Uint8("owner", msg.Sender).
		Msg("Lookup answered")
	telemetry.Lookups.WithLabelValues("answered").Inc()

	n.emit(RingUpdateEvent{
		Type:    EventLookupResult,
		Subject: Ref(msg.Sender),
		Key:     key,
		Message: fmt.Sprintf("Received a response message from peer %d, which has the file %04d.", msg.Sender, key),
	})
	return nil
}

// owns decides whether key falls in our segment of the ring.
func (n *Peer) owns(key uint8) (bool, error) {
	n.ringMu.RLock()
	pred, s1 := n.predecessor, n.successor1
	n.ringMu.RUnlock()

	if key == n.id || !s1.Valid || s1.ID == n.id {
		return true, nil
	}
	if !pred.Valid {
		// the wraparound test on the successor side needs no predecessor
		if s1.ID < n.id && key > n.id {
			return true, nil
		}
		return false, pkg.ErrNotReady
	}
	return hash.Owns(key, n.id, pred.ID, s1.ID), nil
}

// routeLookup answers msg if the key is ours and forwards it untouched to our
// first successor otherwise. Failures are reported and the lookup is abandoned.
func (n *Peer) routeLookup(ctx context.Context, msg wire.Message) error {
	key := hash.JoinKey(msg.KeyHash(), msg.KeyBand())

	owned, err := n.owns(msg.KeyHash())
	if err != nil {
		n.lookupFailed(key, err)
		return fmt.Errorf("lookup key %d: %w", key, err)
	}

	if owned {
		if msg.Sender == n.id {
			telemetry.Lookups.WithLabelValues("local").Inc()
			n.emit(RingUpdateEvent{
				Type:    EventLookupLocal,
				Subject: Ref(n.id),
				Key:     key,
				Message: fmt.Sprintf("File %04d is here.", key),
			})
			return nil
		}

		resp := wire.LookupResponse(n.id, msg.KeyHash(), msg.KeyBand())
		if err := n.send(ctx, msg.Sender, resp); err != nil {
			n.lookupFailed(key, err)
			return fmt.Errorf("answer lookup key %d: %w", key, err)
		}

		telemetry.Lookups.WithLabelValues("found").Inc()
		n.emit(RingUpdateEvent{
			Type:    EventLookupFound,
			Subject: Ref(msg.Sender),
			Key:     key,
			Message: fmt.Sprintf("File %04d is here. A response message, destined for peer %d, has been sent.", key, msg.Sender),
		})
		return nil
	}

	next := n.successor(Slot1)
	if !next.Valid {
		// the ring collapsed between the ownership test and now
		n.lookupFailed(key, pkg.ErrNoSuccessor)
		return fmt.Errorf("lookup key %d: %w", key, pkg.ErrNoSuccessor)
	}

	if err := n.send(ctx, next.ID, msg); err != nil {
		n.lookupFailed(key, err)
		return fmt.Errorf("forward lookup key %d: %w", key, err)
	}

	telemetry.Lookups.WithLabelValues("forwarded").Inc()
	n.emit(RingUpdateEvent{
		Type:    EventLookupForwarded,
		Subject: next,
		Key:     key,
		Message: fmt.Sprintf("File %04d is not stored here. File request message has been forwarded to my successor.", key),
	})
	return nil
}

func (n *Peer) lookupFailed(key int, err error) {
	n.logger.Warn().Err(err).Int("key", key).Msg("Lookup abandoned")
	telemetry.Lookups.WithLabelValues("failed").Inc()

	n.emit(RingUpdateEvent{
		Type:    EventLookupFailed,
		Subject: Ref(n.id),
		Key:     key,
		Message: fmt.Sprintf("Lookup of file %04d failed: %v. Try again once the ring has settled.", key, err),
	})
}

// send delivers a one-way control message with a bounded dial.
func (n *Peer) send(ctx context.Context, target uint8, msg wire.Message) error {
	sctx, cancel := context.WithTimeout(ctx, n.config.DialTimeout)
	defer cancel()
	return n.remote.Send(sctx, target, msg)
}
