package kafka

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maelstrom-nodes/internal/kafka/archive"
	"maelstrom-nodes/internal/offset"
	"maelstrom-nodes/internal/protocol"
)

type sentMessage struct {
	dest    string
	msgID   int
	payload protocol.Payload
}

// fakeSender records outgoing messages instead of delivering them
type fakeSender struct {
	next int
	sent []sentMessage
	err  error
}

func (s *fakeSender) Send(dest string, payload protocol.Payload) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	s.sent = append(s.sent, sentMessage{dest: dest, msgID: s.next, payload: payload})
	return s.next, nil
}

func (s *fakeSender) gossips() []*protocol.Gossip {
	var out []*protocol.Gossip
	for _, m := range s.sent {
		if g, ok := m.payload.(*protocol.Gossip); ok {
			out = append(out, g)
		}
	}
	return out
}

type testPeer struct {
	id     string
	store  *LogStore
	peers  *PeerKnowledge
	engine *GossipEngine
	anchor *AnchorEngine
	sender *fakeSender
}

func gossipConfig(ack bool) *Config {
	config := DefaultConfig()
	config.GossipAck = ack
	return config
}

func newTestPeer(self string, cluster []string, allocator offset.Allocator, config *Config) *testPeer {
	var neighbors []string
	for _, id := range cluster {
		if id != self {
			neighbors = append(neighbors, id)
		}
	}
	store := NewLogStore(self, allocator, archive.NewMemory(), NewMetrics())
	peers := NewPeerKnowledge(neighbors)
	sender := &fakeSender{}
	return &testPeer{
		id:     self,
		store:  store,
		peers:  peers,
		engine: NewGossipEngine(self, neighbors, store, peers, sender, config),
		anchor: NewAnchorEngine(cluster, store, peers, config.Logger),
		sender: sender,
	}
}

func (p *testPeer) append(t *testing.T, key string, value int) *LogEntry {
	t.Helper()
	e, err := p.store.Append(context.Background(), key, value, value)
	require.NoError(t, err)
	return e
}

// exchange delivers every queued gossip and its acknowledgement. Gossip to a
// node outside cluster is dropped.
func exchange(t *testing.T, cluster map[string]*testPeer) {
	t.Helper()
	for _, src := range cluster {
		queued := src.sender.sent
		src.sender.sent = nil
		for _, m := range queued {
			g, ok := m.payload.(*protocol.Gossip)
			if !ok {
				continue
			}
			dst, ok := cluster[m.dest]
			if !ok {
				continue
			}
			require.NoError(t, dst.engine.OnGossipReceived(src.id, g))
			_, err := dst.anchor.Anchor()
			require.NoError(t, err)
			require.NoError(t, src.engine.OnGossipAck(dst.id, m.msgID))
		}
	}
}

func TestGossipEngine_Optimistic(t *testing.T) {
	cluster := []string{"n1", "n2", "n3"}
	p := newTestPeer("n1", cluster, offset.NewMemory(), gossipConfig(false))
	p.append(t, "x", 10)

	require.NoError(t, p.engine.OnGossipTrigger())
	require.Len(t, p.sender.sent, 2)
	assert.Equal(t, "n2", p.sender.sent[0].dest)
	assert.Equal(t, "n3", p.sender.sent[1].dest)

	g := p.sender.gossips()[0]
	require.Len(t, g.Seen.Uncommitted["x"], 1)
	assert.Equal(t, 10, g.Seen.Uncommitted["x"][0].Msg)
	assert.Empty(t, g.Seen.Committed)

	e, _, ok := p.store.Lookup(EntryID{Key: "x", Offset: 0})
	require.True(t, ok)
	assert.Equal(t, []string{"n1", "n2", "n3"}, e.SeenBy.Sorted(), "marked on send")

	p.sender.sent = nil
	require.NoError(t, p.engine.OnGossipTrigger())
	assert.Empty(t, p.sender.sent)
}

func TestGossipEngine_Acknowledged(t *testing.T) {
	cluster := []string{"n1", "n2"}
	config := gossipConfig(true)
	config.GossipResendRounds = 5
	p := newTestPeer("n1", cluster, offset.NewMemory(), config)
	p.append(t, "x", 10)
	id := EntryID{Key: "x", Offset: 0}

	require.NoError(t, p.engine.OnGossipTrigger())
	require.Len(t, p.sender.sent, 1)
	first := p.sender.sent[0]

	t.Run("in flight entries are not marked", func(t *testing.T) {
		e, _, _ := p.store.Lookup(id)
		assert.False(t, e.SeenBy.Has("n2"))
		assert.Equal(t, 1, p.peers.Pending("n2"))
	})

	t.Run("unacknowledged entries are resent after the resend rounds", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			require.NoError(t, p.engine.OnGossipTrigger())
		}
		assert.Len(t, p.sender.sent, 1)

		require.NoError(t, p.engine.OnGossipTrigger())
		assert.Len(t, p.sender.sent, 2)
	})

	t.Run("ack marks the neighbor", func(t *testing.T) {
		require.NoError(t, p.engine.OnGossipAck("n2", first.msgID))
		e, _, _ := p.store.Lookup(id)
		assert.True(t, e.SeenBy.Has("n2"))
		assert.Equal(t, uint64(1), p.store.metrics.Snapshot().GossipAcks)

		n, err := p.anchor.Anchor()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("late ack is ignored", func(t *testing.T) {
		require.NoError(t, p.engine.OnGossipAck("n2", p.sender.sent[1].msgID))
		require.NoError(t, p.engine.OnGossipAck("n2", 999))
	})
}

func TestGossipEngine_CommittedTier(t *testing.T) {
	p := newTestPeer("n1", []string{"n1", "n2"}, offset.NewMemory(), gossipConfig(false))
	p.append(t, "x", 10)
	p.append(t, "x", 11)
	require.NoError(t, p.store.Commit(map[string]int{"x": 0}))

	require.NoError(t, p.engine.OnGossipTrigger())
	g := p.sender.gossips()
	require.Len(t, g, 1)
	require.Len(t, g[0].Seen.Committed["x"], 1)
	require.Len(t, g[0].Seen.Uncommitted["x"], 1)
	assert.Equal(t, 0, g[0].Seen.Committed["x"][0].Offset)
	assert.Equal(t, 1, g[0].Seen.Uncommitted["x"][0].Offset)
}

func TestGossipEngine_BatchFairness(t *testing.T) {
	config := gossipConfig(false)
	config.GossipBatchSize = 1
	p := newTestPeer("n1", []string{"n1", "n2"}, offset.NewMemory(), config)

	p.append(t, "a", 1)
	p.append(t, "b", 2)

	require.NoError(t, p.engine.OnGossipTrigger())
	p.append(t, "a", 3)
	require.NoError(t, p.engine.OnGossipTrigger())
	require.NoError(t, p.engine.OnGossipTrigger())

	var order []string
	for _, g := range p.sender.gossips() {
		require.Len(t, g.Seen.Uncommitted, 1)
		for key, entries := range g.Seen.Uncommitted {
			order = append(order, fmt.Sprintf("%s/%d", key, entries[0].Offset))
		}
	}
	assert.Equal(t, []string{"a/0", "b/0", "a/1"}, order, "a busy key does not starve the others")
}

func TestGossipEngine_OnGossipReceived(t *testing.T) {
	cluster := []string{"n1", "n2", "n3"}

	t.Run("stamps self and source", func(t *testing.T) {
		p := newTestPeer("n1", cluster, offset.NewMemory(), gossipConfig(true))
		seen := protocol.SeenLogs{Uncommitted: map[string][]protocol.LogEntry{
			"x": {{Key: "x", Offset: 0, Msg: 10, SeenBy: []string{"n3"}}},
		}}
		require.NoError(t, p.engine.OnGossipReceived("n2", &protocol.Gossip{Seen: seen}))

		e, tier, ok := p.store.Lookup(EntryID{Key: "x", Offset: 0})
		require.True(t, ok)
		assert.Equal(t, Uncommitted, tier)
		assert.Equal(t, []string{"n1", "n2", "n3"}, e.SeenBy.Sorted())

		require.NoError(t, p.engine.OnGossipTrigger())
		assert.Empty(t, p.sender.sent, "nothing to tell anyone")
	})

	t.Run("source is not sent its own entries back", func(t *testing.T) {
		p := newTestPeer("n1", cluster, offset.NewMemory(), gossipConfig(true))
		seen := protocol.SeenLogs{Committed: map[string][]protocol.LogEntry{
			"x": {{Key: "x", Offset: 0, Msg: 10}},
		}}
		require.NoError(t, p.engine.OnGossipReceived("n2", &protocol.Gossip{Seen: seen}))

		require.NoError(t, p.engine.OnGossipTrigger())
		require.Len(t, p.sender.sent, 1)
		assert.Equal(t, "n3", p.sender.sent[0].dest)
	})

	t.Run("unknown source is fatal", func(t *testing.T) {
		p := newTestPeer("n1", cluster, offset.NewMemory(), gossipConfig(true))
		err := p.engine.OnGossipReceived("n9", &protocol.Gossip{})
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("duplicate gossip is harmless", func(t *testing.T) {
		p := newTestPeer("n1", cluster, offset.NewMemory(), gossipConfig(true))
		seen := protocol.SeenLogs{Uncommitted: map[string][]protocol.LogEntry{
			"x": {{Key: "x", Offset: 0, Msg: 10}},
		}}
		require.NoError(t, p.engine.OnGossipReceived("n2", &protocol.Gossip{Seen: seen}))
		before := snapshot(p.store)
		require.NoError(t, p.engine.OnGossipReceived("n2", &protocol.Gossip{Seen: seen}))
		assert.Equal(t, before, snapshot(p.store))
	})
}

// gossipRounds runs rounds of gossip among cluster, anchoring after each
func gossipRounds(t *testing.T, cluster map[string]*testPeer, rounds int) {
	t.Helper()
	for round := 0; round < rounds; round++ {
		for _, p := range cluster {
			require.NoError(t, p.engine.OnGossipTrigger())
		}
		exchange(t, cluster)
		for _, p := range cluster {
			_, err := p.anchor.Anchor()
			require.NoError(t, err)
		}
	}
}

func TestGossipEngine_CommitAfterReplication(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}

	for _, ack := range []bool{true, false} {
		t.Run(fmt.Sprintf("commit reaches a neighbor holding the entry ack=%t", ack), func(t *testing.T) {
			allocator := offset.NewMemory()
			n1 := newTestPeer("n1", ids, allocator, gossipConfig(ack))
			n2 := newTestPeer("n2", ids, allocator, gossipConfig(ack))
			newTestPeer("n3", ids, allocator, gossipConfig(ack))
			// n3 is cut off, so nothing gets anchored
			pair := map[string]*testPeer{"n1": n1, "n2": n2}

			n1.append(t, "x", 10)
			gossipRounds(t, pair, 3)
			_, tier, ok := n2.store.Lookup(EntryID{Key: "x", Offset: 0})
			require.True(t, ok)
			require.Equal(t, Uncommitted, tier)

			require.NoError(t, n1.store.Commit(map[string]int{"x": 0}))
			gossipRounds(t, pair, 3)

			count, err := n2.store.CommittedCount("x")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			_, tier, ok = n2.store.Lookup(EntryID{Key: "x", Offset: 0})
			require.True(t, ok)
			assert.Equal(t, Committed, tier)
			o, ok := n2.store.CommittedOffset("x")
			assert.True(t, ok)
			assert.Equal(t, 0, o)

			n1.sender.sent = nil
			n2.sender.sent = nil
			require.NoError(t, n1.engine.OnGossipTrigger())
			require.NoError(t, n2.engine.OnGossipTrigger())
			for _, m := range append(n1.sender.sent, n2.sender.sent...) {
				assert.Equal(t, "n3", m.dest, "n1 and n2 have nothing left to tell each other")
			}
		})

		t.Run(fmt.Sprintf("commit reaches anchored copies ack=%t", ack), func(t *testing.T) {
			allocator := offset.NewMemory()
			cluster := make(map[string]*testPeer)
			for _, id := range ids {
				cluster[id] = newTestPeer(id, ids, allocator, gossipConfig(ack))
			}

			cluster["n1"].append(t, "x", 10)
			gossipRounds(t, cluster, 4)
			for _, id := range ids {
				require.Equal(t, 0, cluster[id].store.Len(Uncommitted), "%s anchored x/0", id)
			}

			require.NoError(t, cluster["n1"].store.Commit(map[string]int{"x": 0}))
			gossipRounds(t, cluster, 2)

			for _, id := range ids {
				count, err := cluster[id].store.CommittedCount("x")
				require.NoError(t, err)
				assert.Equal(t, 1, count, id)
			}
		})
	}
}

func TestGossipEngine_SendFailure(t *testing.T) {
	p := newTestPeer("n1", []string{"n1", "n2"}, offset.NewMemory(), gossipConfig(true))
	p.append(t, "x", 10)
	p.sender.err = fmt.Errorf("closed")
	assert.Error(t, p.engine.OnGossipTrigger())
}

func TestGossipEngine_Convergence(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	allocator := offset.NewMemory()

	for _, ack := range []bool{true, false} {
		t.Run(fmt.Sprintf("ack=%t", ack), func(t *testing.T) {
			cluster := make(map[string]*testPeer)
			for _, id := range ids {
				cluster[id] = newTestPeer(id, ids, allocator, gossipConfig(ack))
			}
			key := fmt.Sprintf("k-%t", ack)
			cluster["n1"].append(t, key, 1)
			cluster["n2"].append(t, key, 2)
			cluster["n3"].append(t, key, 3)
			require.NoError(t, cluster["n2"].store.Commit(map[string]int{key: 1}))

			for round := 0; round < 4; round++ {
				for _, id := range ids {
					require.NoError(t, cluster[id].engine.OnGossipTrigger())
				}
				exchange(t, cluster)
				for _, id := range ids {
					_, err := cluster[id].anchor.Anchor()
					require.NoError(t, err)
				}
			}

			want, err := cluster["n1"].store.ListFrom(key, 0)
			require.NoError(t, err)
			assert.Len(t, want, 3)
			for _, id := range ids {
				got, err := cluster[id].store.ListFrom(key, 0)
				require.NoError(t, err)
				assert.Equal(t, want, got, id)

				count, err := cluster[id].store.CommittedCount(key)
				require.NoError(t, err)
				assert.Equal(t, 2, count, id)

				assert.Equal(t, 0, cluster[id].store.Len(Uncommitted), "%s anchored everything", id)
				assert.Equal(t, 0, cluster[id].store.Len(Committed), "%s anchored everything", id)
			}
		})
	}
}
