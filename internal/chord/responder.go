package chord

import (
	"fmt"

	"github.com/zde37/ringpeer/internal/wire"
)

// HandlePing answers a heartbeat. A probe for slot 1 comes from the peer that
// has us as its first successor, which makes it our predecessor; this is the
// only way the predecessor is ever learned.
func (n *Peer) HandlePing(req wire.Message) (wire.Message, error) {
	if req.Type != wire.TypePingRequest {
		return wire.Message{}, fmt.Errorf("%w: expected %s, got %s", wire.ErrMalformed, wire.TypePingRequest, req.Type)
	}

	if Slot(req.Slot()) == Slot1 {
		n.setPredecessor(req.Sender)
	}

	n.emit(RingUpdateEvent{
		Type:    EventPingRequest,
		Subject: Ref(req.Sender),
		Slot:    Slot(req.Slot()),
		Message: fmt.Sprintf("A ping request message was received from Peer %d.", req.Sender),
	})

	return wire.PingResponse(n.id, req.Seq()), nil
}
