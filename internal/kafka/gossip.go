package kafka

import (
	"fmt"
	"sort"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/protocol"
)

// Sender delivers a payload without waiting for a reply
type Sender interface {
	Send(dest string, payload protocol.Payload) (int, error)
}

// GossipEngine runs anti-entropy between this node and its neighbors
type GossipEngine struct {
	self      string
	neighbors []string
	store     *LogStore
	peers     *PeerKnowledge
	sender    Sender
	config    *Config
	logger    logging.Logger

	round uint64
	// cursors holds the last key served per neighbor and tier
	cursors map[string]map[Tier]string
}

// NewGossipEngine creates an engine gossiping store to neighbors
func NewGossipEngine(self string, neighbors []string, store *LogStore, peers *PeerKnowledge, sender Sender, config *Config) *GossipEngine {
	cursors := make(map[string]map[Tier]string, len(neighbors))
	for _, peer := range neighbors {
		cursors[peer] = make(map[Tier]string)
	}
	return &GossipEngine{
		self:      self,
		neighbors: neighbors,
		store:     store,
		peers:     peers,
		sender:    sender,
		config:    config,
		logger:    config.Logger,
		cursors:   cursors,
	}
}

// Round returns the number of gossip rounds run so far
func (g *GossipEngine) Round() uint64 {
	return g.round
}

// OnGossipTrigger sends every neighbor the entries it is not known to hold,
// along with any committed offsets it has not caught up on
func (g *GossipEngine) OnGossipTrigger() error {
	g.round++
	if g.config.GossipAck {
		g.peers.Prune(g.round, 2*g.config.GossipResendRounds)
	}

	offsets := g.store.CommittedOffsets()
	for _, peer := range g.neighbors {
		committed, err := g.delta(peer, Committed)
		if err != nil {
			return err
		}
		uncommitted, err := g.delta(peer, Uncommitted)
		if err != nil {
			return err
		}
		watermarks, err := g.peers.CommittedDue(peer, offsets, g.round, g.config.GossipResendRounds)
		if err != nil {
			return err
		}
		if len(committed) == 0 && len(uncommitted) == 0 && len(watermarks) == 0 {
			continue
		}

		msgID, err := g.sender.Send(peer, &protocol.Gossip{
			Seen: protocol.SeenLogs{
				Committed:   group(committed),
				Uncommitted: group(uncommitted),
			},
			CommittedOffsets: watermarks,
		})
		if err != nil {
			return fmt.Errorf("failed to gossip to %s: %w", peer, err)
		}

		ids := make([]EntryID, 0, len(committed)+len(uncommitted))
		for _, entry := range committed {
			ids = append(ids, entry.ID())
		}
		for _, entry := range uncommitted {
			ids = append(ids, entry.ID())
		}

		reached := committedReach(watermarks, committed)
		if g.config.GossipAck {
			if err := g.peers.MarkSent(peer, msgID, ids, reached, g.round); err != nil {
				return err
			}
		} else if err := g.markKnown(peer, ids, reached); err != nil {
			return err
		}

		g.store.metrics.RecordGossipSent(len(ids))
		g.logger.Debugf("[Gossip] Node %s: gossiped %d committed, %d uncommitted entries and %d committed offsets to %s",
			g.self, len(committed), len(uncommitted), len(watermarks), peer)
	}
	return nil
}

// delta collects up to GossipBatchSize entries of tier that peer lacks. Keys
// are served round-robin from where the previous round stopped.
func (g *GossipEngine) delta(peer string, tier Tier) ([]*LogEntry, error) {
	keys := g.store.Keys(tier)
	if len(keys) == 0 {
		return nil, nil
	}

	start := sort.SearchStrings(keys, g.cursors[peer][tier])
	if start < len(keys) && keys[start] == g.cursors[peer][tier] {
		start++
	}

	var out []*LogEntry
	for i := 0; i < len(keys); i++ {
		key := keys[(start+i)%len(keys)]
		for _, entry := range g.store.Entries(tier, key) {
			if entry.SeenBy.Has(peer) {
				continue
			}
			known, err := g.peers.Knows(peer, entry.ID(), g.round, g.config.GossipResendRounds)
			if err != nil {
				return nil, err
			}
			if known {
				continue
			}
			out = append(out, entry)
			if len(out) == g.config.GossipBatchSize {
				g.cursors[peer][tier] = key
				return out, nil
			}
		}
		g.cursors[peer][tier] = key
	}
	return out, nil
}

// OnGossipReceived merges a neighbor's gossip into the store
func (g *GossipEngine) OnGossipReceived(src string, gossip *protocol.Gossip) error {
	if !g.isNeighbor(src) {
		return fmt.Errorf("%w: gossip from %s", ErrUnknownPeer, src)
	}

	seen := gossip.Seen
	var committed []*LogEntry
	total := 0
	for _, part := range []struct {
		tier Tier
		logs map[string][]protocol.LogEntry
	}{
		{Committed, seen.Committed},
		{Uncommitted, seen.Uncommitted},
	} {
		entries := make([]*LogEntry, 0)
		for _, key := range sortedLogKeys(part.logs) {
			for _, w := range part.logs[key] {
				entry := entryFromWire(w)
				entry.SeenBy.Add(g.self)
				entry.SeenBy.Add(src)
				entries = append(entries, entry)
			}
		}
		if len(entries) == 0 {
			continue
		}
		if err := g.store.MergeIncoming(entries, part.tier); err != nil {
			return err
		}

		ids := make([]EntryID, len(entries))
		for i, entry := range entries {
			ids[i] = entry.ID()
		}
		if err := g.peers.MarkKnown(src, ids...); err != nil {
			return err
		}
		if part.tier == Committed {
			committed = entries
		}
		total += len(entries)
	}

	if err := g.store.MergeCommitted(gossip.CommittedOffsets); err != nil {
		return err
	}
	if err := g.peers.MarkCommittedKnown(src, committedReach(gossip.CommittedOffsets, committed)); err != nil {
		return err
	}

	g.store.metrics.RecordGossipReceived(total)
	return nil
}

// OnGossipAck settles the gossip message msgID acknowledged by src
func (g *GossipEngine) OnGossipAck(src string, msgID int) error {
	ids, err := g.peers.Confirm(src, msgID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		g.store.MarkSeen(id, src)
	}
	if len(ids) > 0 {
		g.store.metrics.RecordGossipAck()
	}
	return nil
}

// markKnown records peer as holding ids and committed offsets without
// waiting for an ack
func (g *GossipEngine) markKnown(peer string, ids []EntryID, committed map[string]int) error {
	if err := g.peers.MarkKnown(peer, ids...); err != nil {
		return err
	}
	if err := g.peers.MarkCommittedKnown(peer, committed); err != nil {
		return err
	}
	for _, id := range ids {
		g.store.MarkSeen(id, peer)
	}
	return nil
}

func (g *GossipEngine) isNeighbor(id string) bool {
	for _, peer := range g.neighbors {
		if peer == id {
			return true
		}
	}
	return false
}

// committedReach is how far a node holding offsets and the committed
// entries has committed each key. A committed entry is never above its key's
// committed offset.
func committedReach(offsets map[string]int, committed []*LogEntry) map[string]int {
	reach := make(map[string]int, len(offsets))
	for key, o := range offsets {
		reach[key] = o
	}
	for _, entry := range committed {
		if o, ok := reach[entry.Key]; !ok || entry.Offset > o {
			reach[entry.Key] = entry.Offset
		}
	}
	return reach
}

// group renders entries as the wire map of key to entries
func group(entries []*LogEntry) map[string][]protocol.LogEntry {
	logs := make(map[string][]protocol.LogEntry)
	for _, entry := range entries {
		logs[entry.Key] = append(logs[entry.Key], entry.wire())
	}
	return logs
}

func sortedLogKeys(logs map[string][]protocol.LogEntry) []string {
	keys := make([]string, 0, len(logs))
	for key := range logs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
