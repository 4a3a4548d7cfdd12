package chord

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/ringpeer/internal/config"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
)

func TestNewPeer(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		p := createTestPeer(t, 5, 50, 150)

		assert.Equal(t, uint8(5), p.ID())
		assert.NotEmpty(t, p.InstanceID())
		assert.False(t, p.IsShutdown())

		snap := p.Snapshot()
		assert.Equal(t, uint8(5), snap.ID)
		assert.False(t, snap.Predecessor.Valid, "predecessor starts unknown")
		assert.Equal(t, Ref(50), snap.Successor1)
		assert.Equal(t, Ref(150), snap.Successor2)
	})

	t.Run("nil config", func(t *testing.T) {
		p, err := NewPeer(nil, testLogger(t))
		assert.Error(t, err)
		assert.Nil(t, p)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("nil logger", func(t *testing.T) {
		p, err := NewPeer(config.DefaultConfig(), nil)
		assert.Error(t, err)
		assert.Nil(t, p)
		assert.Contains(t, err.Error(), "logger cannot be nil")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(5, 50, 150)
		cfg.ID = 300

		p, err := NewPeer(cfg, testLogger(t))
		assert.Error(t, err)
		assert.Nil(t, p)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("bootstrapping with itself is a ring of one", func(t *testing.T) {
		p := createTestPeer(t, 7, 7, 7)

		snap := p.Snapshot()
		assert.False(t, snap.Successor1.Valid)
		assert.False(t, snap.Successor2.Valid)
	})

	t.Run("instance ids differ per peer", func(t *testing.T) {
		a := createTestPeer(t, 1, 2, 3)
		b := createTestPeer(t, 1, 2, 3)
		assert.NotEqual(t, a.InstanceID(), b.InstanceID())
	})
}

func TestPeer_Snapshot(t *testing.T) {
	p := createTestPeer(t, 5, 50, 150)

	mock := clock.NewMock()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.Set(now)
	p.SetClock(mock)

	snap := p.Snapshot()
	assert.True(t, snap.Timestamp.Equal(now))
	assert.Equal(t, Ref(50), snap.Successor(Slot1))
	assert.Equal(t, Ref(150), snap.Successor(Slot2))

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded["predecessor"])
	assert.Equal(t, float64(50), decoded["successor1"])
	assert.Equal(t, float64(150), decoded["successor2"])
	assert.Equal(t, float64(5), decoded["id"])
}

func TestNodeRef(t *testing.T) {
	tests := []struct {
		name   string
		ref    NodeRef
		str    string
		json   string
		isFive bool
	}{
		{name: "unknown", ref: NodeRef{}, str: "-", json: "null"},
		{name: "zero id", ref: Ref(0), str: "0", json: "0"},
		{name: "known", ref: Ref(5), str: "5", json: "5", isFive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.str, tt.ref.String())
			assert.Equal(t, tt.isFive, tt.ref.Is(5))

			data, err := json.Marshal(tt.ref)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(data))
		})
	}
}

func TestPeer_HandlePing(t *testing.T) {
	t.Run("slot 1 probe sets predecessor", func(t *testing.T) {
		p := createTestPeer(t, 50, 150, 5)
		rec := &eventRecorder{}
		p.AddBroadcaster(rec)

		resp, err := p.HandlePing(wire.PingRequest(5, 1, 42))
		require.NoError(t, err)
		assert.Equal(t, wire.TypePingResponse, resp.Type)
		assert.Equal(t, uint8(50), resp.Sender)
		assert.Equal(t, uint8(42), resp.Seq())

		assert.Equal(t, Ref(5), p.Snapshot().Predecessor)
		require.Len(t, rec.ofType(EventPredecessorChanged), 1)
		require.Len(t, rec.ofType(EventPingRequest), 1)
		assert.Equal(t, "A ping request message was received from Peer 5.", rec.ofType(EventPingRequest)[0].Message)
	})

	t.Run("slot 2 probe leaves predecessor alone", func(t *testing.T) {
		p := createTestPeer(t, 150, 5, 50)

		resp, err := p.HandlePing(wire.PingRequest(5, 2, 7))
		require.NoError(t, err)
		assert.Equal(t, uint8(7), resp.Seq())
		assert.False(t, p.Snapshot().Predecessor.Valid)
	})

	t.Run("repeated probes emit one predecessor change", func(t *testing.T) {
		p := createTestPeer(t, 50, 150, 5)
		rec := &eventRecorder{}
		p.AddBroadcaster(rec)

		for seq := uint8(0); seq < 3; seq++ {
			_, err := p.HandlePing(wire.PingRequest(5, 1, seq))
			require.NoError(t, err)
		}
		assert.Len(t, rec.ofType(EventPredecessorChanged), 1)

		_, err := p.HandlePing(wire.PingRequest(20, 1, 0))
		require.NoError(t, err)
		assert.Equal(t, Ref(20), p.Snapshot().Predecessor)
		assert.Len(t, rec.ofType(EventPredecessorChanged), 2)
	})

	t.Run("wrong message type", func(t *testing.T) {
		p := createTestPeer(t, 50, 150, 5)

		_, err := p.HandlePing(wire.FailureQuery(5))
		assert.ErrorIs(t, err, wire.ErrMalformed)
	})
}

func TestPeer_HandleFailureQuery(t *testing.T) {
	t.Run("answers with first successor", func(t *testing.T) {
		p := createTestPeer(t, 50, 150, 5)
		assert.Equal(t, uint8(150), p.HandleFailureQuery(wire.FailureQuery(5)))
	})

	t.Run("alone answers with own id", func(t *testing.T) {
		p := createTestPeer(t, 50, 50, 50)
		assert.Equal(t, uint8(50), p.HandleFailureQuery(wire.FailureQuery(5)))
	})
}

func TestPeer_UpdateSuccessors(t *testing.T) {
	t.Run("self in slot 1 clears both", func(t *testing.T) {
		p := createTestPeer(t, 5, 50, 150)

		s1, s2 := p.updateSuccessors("test", func(s1, s2 *NodeRef) bool {
			*s1 = Ref(5)
			return true
		})
		assert.False(t, s1.Valid)
		assert.False(t, s2.Valid)
		assertSuccessors(t, p, NodeRef{}, NodeRef{})
	})

	t.Run("rejected update keeps state", func(t *testing.T) {
		p := createTestPeer(t, 5, 50, 150)
		rec := &eventRecorder{}
		p.AddBroadcaster(rec)

		s1, s2 := p.updateSuccessors("test", func(s1, s2 *NodeRef) bool {
			*s1 = Ref(99)
			return false
		})
		assert.Equal(t, Ref(50), s1)
		assert.Equal(t, Ref(150), s2)
		assert.Empty(t, rec.ofType(EventSuccessorChanged))
	})

	t.Run("emits one event per changed slot", func(t *testing.T) {
		p := createTestPeer(t, 5, 50, 150)
		rec := &eventRecorder{}
		p.AddBroadcaster(rec)

		p.updateSuccessors("test", func(s1, s2 *NodeRef) bool {
			*s2 = Ref(200)
			return true
		})

		events := rec.ofType(EventSuccessorChanged)
		require.Len(t, events, 1)
		assert.Equal(t, Slot2, events[0].Slot)
		assert.Equal(t, Ref(200), events[0].Subject)
		assert.Equal(t, "My second successor is now peer 200.", events[0].Message)
	})
}

func TestPeer_Lifecycle(t *testing.T) {
	t.Run("start requires remote", func(t *testing.T) {
		p := createTestPeer(t, 5, 50, 150)

		err := p.Start()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "remote client not set")
	})

	t.Run("start twice", func(t *testing.T) {
		_, peers, _ := createRing(t, false, 5, 50, 150)

		require.NoError(t, peers[5].Start())
		assert.Error(t, peers[5].Start())
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		_, peers, _ := createRing(t, false, 5, 50, 150)
		p := peers[5]

		require.NoError(t, p.Start())
		require.NoError(t, p.Shutdown())
		require.NoError(t, p.Shutdown())
		assert.True(t, p.IsShutdown())
		assert.Error(t, p.Start())
	})

	t.Run("running ring learns predecessors", func(t *testing.T) {
		_, peers, _ := createRing(t, false, 5, 50, 150)
		for _, p := range peers {
			require.NoError(t, p.Start())
		}

		require.Eventually(t, func() bool {
			return peers[5].Snapshot().Predecessor.Is(150) &&
				peers[50].Snapshot().Predecessor.Is(5) &&
				peers[150].Snapshot().Predecessor.Is(50)
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestPeer_NewPeerLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := pkg.DefaultConfig()
	cfg.Level = "info"
	cfg.Writer = &buf
	logger, err := pkg.New(cfg)
	require.NoError(t, err)

	p, err := NewPeer(testConfig(9, 10, 11), logger)
	require.NoError(t, err)
	defer p.Shutdown()

	// the first line is the creation record
	line, err := buf.ReadBytes('\n')
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "Peer created", entry["message"])
	assert.EqualValues(t, 9, entry["peer_id"])
	assert.Equal(t, p.InstanceID()[:8], entry["instance"])
}
