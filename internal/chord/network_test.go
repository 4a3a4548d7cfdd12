package chord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/ringpeer/internal/config"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
)

var errPingTimeout = errors.New("ping timed out")

// fakeNetwork routes messages between peers in memory. Peers marked down
// time out on pings and refuse control connections.
type fakeNetwork struct {
	mu    sync.Mutex
	peers map[uint8]*Peer
	down  map[uint8]bool
	sent  []sentMessage
	pings map[uint8]int
}

type sentMessage struct {
	from, to uint8
	msg      wire.Message
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		peers: make(map[uint8]*Peer),
		down:  make(map[uint8]bool),
		pings: make(map[uint8]int),
	}
}

func (f *fakeNetwork) add(p *Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[p.ID()] = p
	p.SetRemote(&fakeClient{net: f, from: p.ID()})
}

func (f *fakeNetwork) setDown(id uint8, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

// reach returns the live peer behind id, or nil.
func (f *fakeNetwork) reach(id uint8) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[id] {
		return nil
	}
	return f.peers[id]
}

func (f *fakeNetwork) pingCount(from uint8) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[from]
}

func (f *fakeNetwork) sentBy(from uint8) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentMessage
	for _, s := range f.sent {
		if s.from == from {
			out = append(out, s)
		}
	}
	return out
}

type fakeClient struct {
	net  *fakeNetwork
	from uint8
}

var _ RemoteClient = (*fakeClient)(nil)

func (c *fakeClient) Ping(ctx context.Context, target uint8, req wire.Message) (wire.Message, error) {
	c.net.mu.Lock()
	c.net.pings[c.from]++
	c.net.mu.Unlock()

	p := c.net.reach(target)
	if p == nil {
		return wire.Message{}, errPingTimeout
	}
	return p.HandlePing(req)
}

func (c *fakeClient) QuerySuccessor(ctx context.Context, target uint8, req wire.Message) (uint8, error) {
	p := c.net.reach(target)
	if p == nil {
		return 0, fmt.Errorf("%w: peer %d", pkg.ErrPeerUnreachable, target)
	}
	return p.HandleFailureQuery(req), nil
}

func (c *fakeClient) Send(ctx context.Context, target uint8, msg wire.Message) error {
	p := c.net.reach(target)
	if p == nil {
		return fmt.Errorf("%w: peer %d", pkg.ErrPeerUnreachable, target)
	}

	c.net.mu.Lock()
	c.net.sent = append(c.net.sent, sentMessage{from: c.from, to: target, msg: msg})
	c.net.mu.Unlock()

	switch msg.Type {
	case wire.TypeLookupRequest:
		return p.HandleLookupRequest(ctx, msg)
	case wire.TypeLookupResponse:
		return p.HandleLookupResponse(msg)
	case wire.TypeDepartureNotice:
		return p.HandleDeparture(ctx, msg)
	}
	return fmt.Errorf("unexpected message %s", msg)
}

// eventRecorder collects ring events.
type eventRecorder struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (r *eventRecorder) BroadcastRingUpdate(update any) error {
	ev, ok := update.(RingUpdateEvent)
	if !ok {
		return fmt.Errorf("unexpected update %T", update)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) ofType(typ string) []RingUpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RingUpdateEvent
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig(id, succ1, succ2 int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ID = id
	cfg.Successor1 = succ1
	cfg.Successor2 = succ2
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 10 * time.Millisecond
	cfg.RepairMargin = 10 * time.Millisecond
	cfg.DialTimeout = 100 * time.Millisecond
	return cfg
}

func testLogger(t *testing.T) *pkg.Logger {
	t.Helper()

	cfg := pkg.DefaultConfig()
	cfg.Level = "warn"
	logger, err := pkg.New(cfg)
	require.NoError(t, err)
	return logger
}

func createTestPeer(t *testing.T, id, succ1, succ2 int) *Peer {
	t.Helper()

	p, err := NewPeer(testConfig(id, succ1, succ2), testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

// createRing builds peers with the given ids in ring order, each bootstrapped
// with its next two peers, and wires them to one fake network. When
// withPredecessors is set the predecessors are already inferred.
func createRing(t *testing.T, withPredecessors bool, ids ...uint8) (*fakeNetwork, map[uint8]*Peer, map[uint8]*eventRecorder) {
	t.Helper()

	network := newFakeNetwork()
	peers := make(map[uint8]*Peer, len(ids))
	recorders := make(map[uint8]*eventRecorder, len(ids))

	for i, id := range ids {
		s1 := ids[(i+1)%len(ids)]
		s2 := ids[(i+2)%len(ids)]
		p := createTestPeer(t, int(id), int(s1), int(s2))

		rec := &eventRecorder{}
		p.AddBroadcaster(rec)
		network.add(p)

		peers[id] = p
		recorders[id] = rec
	}

	if withPredecessors {
		for i, id := range ids {
			pred := ids[(i+len(ids)-1)%len(ids)]
			peers[id].setPredecessor(pred)
		}
	}
	return network, peers, recorders
}

func assertSuccessors(t *testing.T, p *Peer, s1, s2 NodeRef) {
	t.Helper()

	snap := p.Snapshot()
	require.Equal(t, s1, snap.Successor1, "peer %d successor1", p.ID())
	require.Equal(t, s2, snap.Successor2, "peer %d successor2", p.ID())
}
