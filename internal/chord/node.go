package chord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/zde37/ringpeer/internal/config"
	"github.com/zde37/ringpeer/pkg"
)

// Peer represents one member of the ring.
type Peer struct {
	// Node identity
	id         uint8
	instanceID string

	// Configuration
	config *config.Config

	// Logger
	logger *pkg.Logger

	// Remote client for messages to other peers
	remote RemoteClient

	// Time source for heartbeat intervals, repair waits and event timestamps
	clock clock.Clock

	// Ring state. The triple is only read or written under ringMu, so a
	// repair, a departure notice and predecessor inference never interleave
	// partially.
	ringMu      sync.RWMutex
	predecessor NodeRef
	successor1  NodeRef
	successor2  NodeRef

	// Event fan-out
	broadcasters  []RingUpdateBroadcaster
	broadcasterMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started     bool
	shutdown    bool
	lifecycleMu sync.Mutex
}

// NewPeer creates a peer from the bootstrap configuration. The predecessor
// starts unknown; it is learned from incoming slot-1 heartbeats.
func NewPeer(cfg *config.Config, logger *pkg.Logger) (*Peer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := uint8(cfg.ID)
	instanceID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	n := &Peer{
		id:         id,
		instanceID: instanceID,
		config:     cfg,
		logger:     logger.WithFields(pkg.Fields{"peer_id": id, "instance": instanceID[:8]}),
		clock:      clock.New(),
		successor1: Ref(uint8(cfg.Successor1)),
		successor2: Ref(uint8(cfg.Successor2)),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Bootstrapping with ourselves as first successor means we are alone.
	if n.successor1.Is(id) {
		n.successor1, n.successor2 = NodeRef{}, NodeRef{}
	}

	n.logger.Info().
		Stringer("successor1", n.successor1).
		Stringer("successor2", n.successor2).
		Str("address", cfg.Address(id)).
		Msg("Peer created")

	return n, nil
}

// ID returns the peer's identifier.
func (n *Peer) ID() uint8 {
	return n.id
}

// InstanceID distinguishes restarts of the same peer id.
func (n *Peer) InstanceID() string {
	return n.instanceID
}

// SetRemote sets the client used to reach other peers.
func (n *Peer) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// SetClock replaces the time source. Must be called before Start.
func (n *Peer) SetClock(c clock.Clock) {
	n.clock = c
}

// AddBroadcaster registers a receiver for ring events.
func (n *Peer) AddBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcasters = append(n.broadcasters, b)
}

// Snapshot returns a consistent copy of the ring state.
func (n *Peer) Snapshot() Snapshot {
	n.ringMu.RLock()
	defer n.ringMu.RUnlock()

	return Snapshot{
		ID:          n.id,
		InstanceID:  n.instanceID,
		Predecessor: n.predecessor,
		Successor1:  n.successor1,
		Successor2:  n.successor2,
		Timestamp:   n.clock.Now(),
	}
}

// getPredecessor returns the inferred predecessor.
func (n *Peer) getPredecessor() NodeRef {
	n.ringMu.RLock()
	defer n.ringMu.RUnlock()
	return n.predecessor
}

// successor returns the successor held in slot.
func (n *Peer) successor(slot Slot) NodeRef {
	n.ringMu.RLock()
	defer n.ringMu.RUnlock()

	if slot == Slot2 {
		return n.successor2
	}
	return n.successor1
}

// setPredecessor records id as predecessor.
func (n *Peer) setPredecessor(id uint8) {
	n.ringMu.Lock()
	old := n.predecessor
	n.predecessor = Ref(id)
	n.ringMu.Unlock()

	if old.Is(id) {
		return
	}

	n.logger.Info().
		Stringer("old", old).
		Uint8("new", id).
		Msg("Predecessor updated")

	n.emit(RingUpdateEvent{
		Type:    EventPredecessorChanged,
		Subject: Ref(id),
		Message: fmt.Sprintf("My predecessor is now peer %d.", id),
	})
}

// updateSuccessors applies fn to a copy of the successor pair under the ring
// lock and stores the result when fn returns true. A result whose first
// successor is unset or ourselves means the ring has shrunk to one member and
// both slots are cleared. Changes are logged and broadcast after the lock is
// released. It returns the successor pair as left by the update.
func (n *Peer) updateSuccessors(reason string, fn func(s1, s2 *NodeRef) bool) (NodeRef, NodeRef) {
	n.ringMu.Lock()
	old1, old2 := n.successor1, n.successor2
	s1, s2 := old1, old2
	if !fn(&s1, &s2) {
		n.ringMu.Unlock()
		return old1, old2
	}
	if !s1.Valid || s1.ID == n.id {
		s1, s2 = NodeRef{}, NodeRef{}
	}
	n.successor1, n.successor2 = s1, s2
	n.ringMu.Unlock()

	if s1 != old1 {
		n.successorChanged(Slot1, old1, s1, reason)
	}
	if s2 != old2 {
		n.successorChanged(Slot2, old2, s2, reason)
	}
	if old1.Valid && !s1.Valid {
		n.logger.Warn().Str("reason", reason).Msg("Ring collapsed, no successors left")
	}
	return s1, s2
}

func (n *Peer) successorChanged(slot Slot, old, now NodeRef, reason string) {
	n.logger.Info().
		Stringer("slot", slot).
		Stringer("old", old).
		Stringer("new", now).
		Str("reason", reason).
		Msg("Successor updated")

	ordinal := "first"
	if slot == Slot2 {
		ordinal = "second"
	}
	msg := fmt.Sprintf("My %s successor is now peer %s.", ordinal, now)
	if !now.Valid {
		msg = fmt.Sprintf("My %s successor is now unset.", ordinal)
	}

	n.emit(RingUpdateEvent{
		Type:    EventSuccessorChanged,
		Subject: now,
		Slot:    slot,
		Message: msg,
	})
}

// emit stamps an event and hands it to every broadcaster.
func (n *Peer) emit(ev RingUpdateEvent) {
	ev.PeerID = n.id
	ev.Timestamp = n.clock.Now()

	n.broadcasterMu.RLock()
	defer n.broadcasterMu.RUnlock()

	for _, b := range n.broadcasters {
		if err := b.BroadcastRingUpdate(ev); err != nil {
			n.logger.Debug().Err(err).Str("event", ev.Type).Msg("Failed to broadcast ring event")
		}
	}
}

// sleep waits for d on the peer's clock. It returns false if ctx ends first.
func (n *Peer) sleep(ctx context.Context, d time.Duration) bool {
	t := n.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start launches the two heartbeat senders.
func (n *Peer) Start() error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.shutdown {
		return fmt.Errorf("peer is shut down")
	}
	if n.started {
		return fmt.Errorf("peer already started")
	}
	if n.remote == nil {
		return fmt.Errorf("remote client not set - call SetRemote() before Start()")
	}

	n.started = true
	n.startBackgroundTasks()
	return nil
}

// startBackgroundTasks starts one heartbeat sender per successor slot.
func (n *Peer) startBackgroundTasks() {
	for _, slot := range []Slot{Slot1, Slot2} {
		n.wg.Add(1)
		go n.heartbeatLoop(slot)
	}

	n.logger.Debug().Msg("Background tasks started")
}

// Shutdown stops the heartbeat senders and waits for them to exit.
func (n *Peer) Shutdown() error {
	n.lifecycleMu.Lock()
	if n.shutdown {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.lifecycleMu.Unlock()

	n.logger.Info().Msg("Shutting down peer")

	n.cancel()
	n.wg.Wait()

	n.logger.Info().Msg("Peer shutdown complete")
	return nil
}

// IsShutdown returns whether the peer has been shut down.
func (n *Peer) IsShutdown() bool {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.shutdown
}
