package chord

import "time"

// Ring event types
const (
	EventPingRequest        = "ping_request"
	EventPingResponse       = "ping_response"
	EventPredecessorChanged = "predecessor_changed"
	EventSuccessorChanged   = "successor_changed"
	EventPeerDead           = "peer_dead"
	EventPeerDeparting      = "peer_departing"
	EventPeerDeparted       = "peer_departed"
	EventLookupLocal        = "lookup_local"
	EventLookupFound        = "lookup_found"
	EventLookupForwarded    = "lookup_forwarded"
	EventLookupResult       = "lookup_result"
	EventLookupFailed       = "lookup_failed"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the Peer to notify external systems (operator console, WebSocket clients)
// when something happens on the ring without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// Implementations must not block; the peer calls it from its control loops.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents something that happened on the ring, as seen by one peer.
type RingUpdateEvent struct {
	Type      string    `json:"type"`
	PeerID    uint8     `json:"peer_id"`           // Peer that observed the event
	Subject   NodeRef   `json:"subject"`           // Peer the event is about
	Slot      Slot      `json:"slot,omitempty"`    // Successor slot, for heartbeat and successor events
	Key       int       `json:"key"`               // Application key, for lookup events
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"` // Human-readable detail
}
