package chord

import (
	"context"
	"strconv"
	"time"

	"github.com/zde37/ringpeer/internal/wire"
)

// Slot selects one of the two tracked successors.
type Slot uint8

const (
	Slot1 Slot = 1 // canonical next hop
	Slot2 Slot = 2 // hot spare
)

func (s Slot) String() string {
	return strconv.Itoa(int(s))
}

// NodeRef is an optional reference to a ring member. The zero value means unknown.
type NodeRef struct {
	ID    uint8
	Valid bool
}

// Ref returns a valid reference to id.
func Ref(id uint8) NodeRef {
	return NodeRef{ID: id, Valid: true}
}

// Is reports whether the reference points at id.
func (r NodeRef) Is(id uint8) bool {
	return r.Valid && r.ID == id
}

// String returns the id, or "-" when unknown.
func (r NodeRef) String() string {
	if !r.Valid {
		return "-"
	}
	return strconv.Itoa(int(r.ID))
}

// MarshalJSON encodes an unknown reference as null.
func (r NodeRef) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(r.ID))), nil
}

// Snapshot is a consistent copy of a peer's ring view.
type Snapshot struct {
	ID          uint8     `json:"id"`
	InstanceID  string    `json:"instance_id"`
	Predecessor NodeRef   `json:"predecessor"`
	Successor1  NodeRef   `json:"successor1"`
	Successor2  NodeRef   `json:"successor2"`
	Timestamp   time.Time `json:"timestamp"`
}

// Successor returns the successor held in slot.
func (s Snapshot) Successor(slot Slot) NodeRef {
	if slot == Slot2 {
		return s.Successor2
	}
	return s.Successor1
}

// RemoteClient defines the interface for talking to other peers.
// This interface allows the Peer to reach the network without depending
// on the transport layer, avoiding circular dependencies.
type RemoteClient interface {
	// Ping sends a ping request to target over the heartbeat channel and
	// waits for the matching response until ctx expires.
	Ping(ctx context.Context, target uint8, req wire.Message) (wire.Message, error)

	// QuerySuccessor sends a failure query to target over the control channel
	// and returns the id of target's first successor.
	QuerySuccessor(ctx context.Context, target uint8, req wire.Message) (uint8, error)

	// Send delivers a one-way control message (lookup, lookup response, departure) to target.
	Send(ctx context.Context, target uint8, msg wire.Message) error
}
