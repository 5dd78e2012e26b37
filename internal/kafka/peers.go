package kafka

import "fmt"

// delivery is what this node believes about one entry at one neighbor
type delivery struct {
	confirmed bool
	sentRound uint64
}

// watermark is what this node believes about one key's committed offset at
// one neighbor
type watermark struct {
	// confirmed is the offset the neighbor is known to have committed through
	confirmed    int
	hasConfirmed bool
	// sent is the highest offset sent and not yet acknowledged
	sent      int
	hasSent   bool
	sentRound uint64
}

// inflightBatch is a gossip message awaiting acknowledgement
type inflightBatch struct {
	ids       []EntryID
	committed map[string]int
	round     uint64
}

// PeerKnowledge tracks, per neighbor, which entries that neighbor is known or
// believed to hold and how far it has committed each key. It indexes entries
// by id only; the entries themselves live in the LogStore.
type PeerKnowledge struct {
	peers      map[string]map[EntryID]delivery
	watermarks map[string]map[string]watermark
	inflight   map[string]map[int]inflightBatch
}

// NewPeerKnowledge creates empty knowledge for neighbors
func NewPeerKnowledge(neighbors []string) *PeerKnowledge {
	pk := &PeerKnowledge{
		peers:      make(map[string]map[EntryID]delivery, len(neighbors)),
		watermarks: make(map[string]map[string]watermark, len(neighbors)),
		inflight:   make(map[string]map[int]inflightBatch, len(neighbors)),
	}
	for _, peer := range neighbors {
		pk.peers[peer] = make(map[EntryID]delivery)
		pk.watermarks[peer] = make(map[string]watermark)
		pk.inflight[peer] = make(map[int]inflightBatch)
	}
	return pk
}

func (pk *PeerKnowledge) known(peer string) (map[EntryID]delivery, error) {
	known, ok := pk.peers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return known, nil
}

// Knows reports whether peer should be skipped for id in this round: it is
// confirmed to hold it, or it was sent fewer than resendAfter rounds ago.
// resendAfter == 0 treats every send as final.
func (pk *PeerKnowledge) Knows(peer string, id EntryID, round, resendAfter uint64) (bool, error) {
	known, err := pk.known(peer)
	if err != nil {
		return false, err
	}
	d, ok := known[id]
	if !ok {
		return false, nil
	}
	if d.confirmed || resendAfter == 0 {
		return true, nil
	}
	return round-d.sentRound < resendAfter, nil
}

// MarkKnown records that peer holds ids
func (pk *PeerKnowledge) MarkKnown(peer string, ids ...EntryID) error {
	known, err := pk.known(peer)
	if err != nil {
		return err
	}
	for _, id := range ids {
		known[id] = delivery{confirmed: true}
	}
	return nil
}

// CommittedDue returns the committed offsets from offsets that peer should
// be told about this round: it is not known to have committed that far, and
// no unacknowledged send of them is younger than resendAfter rounds.
func (pk *PeerKnowledge) CommittedDue(peer string, offsets map[string]int, round, resendAfter uint64) (map[string]int, error) {
	marks, ok := pk.watermarks[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	due := make(map[string]int)
	for key, o := range offsets {
		w := marks[key]
		if w.hasConfirmed && w.confirmed >= o {
			continue
		}
		if w.hasSent && w.sent >= o && (resendAfter == 0 || round-w.sentRound < resendAfter) {
			continue
		}
		due[key] = o
	}
	return due, nil
}

// MarkCommittedKnown records that peer has committed each key at least
// through the given offset
func (pk *PeerKnowledge) MarkCommittedKnown(peer string, offsets map[string]int) error {
	marks, ok := pk.watermarks[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	for key, o := range offsets {
		w := marks[key]
		if !w.hasConfirmed || o > w.confirmed {
			w.confirmed, w.hasConfirmed = o, true
			marks[key] = w
		}
	}
	return nil
}

// MarkSent records that ids and committed offsets went to peer in gossip
// message msgID during round
func (pk *PeerKnowledge) MarkSent(peer string, msgID int, ids []EntryID, committed map[string]int, round uint64) error {
	known, err := pk.known(peer)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if d, ok := known[id]; ok && d.confirmed {
			continue
		}
		known[id] = delivery{sentRound: round}
	}
	marks := pk.watermarks[peer]
	for key, o := range committed {
		w := marks[key]
		if !w.hasSent || o >= w.sent {
			w.sent, w.hasSent, w.sentRound = o, true, round
			marks[key] = w
		}
	}
	pk.inflight[peer][msgID] = inflightBatch{ids: ids, committed: committed, round: round}
	return nil
}

// Confirm settles the gossip message msgID acknowledged by peer and returns
// the ids it carried. Unknown or already settled messages return nothing.
func (pk *PeerKnowledge) Confirm(peer string, msgID int) ([]EntryID, error) {
	known, err := pk.known(peer)
	if err != nil {
		return nil, err
	}
	batch, ok := pk.inflight[peer][msgID]
	if !ok {
		return nil, nil
	}
	delete(pk.inflight[peer], msgID)
	if err := pk.MarkCommittedKnown(peer, batch.committed); err != nil {
		return nil, err
	}

	confirmed := make([]EntryID, 0, len(batch.ids))
	for _, id := range batch.ids {
		if _, tracked := known[id]; !tracked {
			// forgotten after anchoring
			continue
		}
		known[id] = delivery{confirmed: true}
		confirmed = append(confirmed, id)
	}
	return confirmed, nil
}

// Prune drops unacknowledged messages older than maxAge rounds. Their entries
// have been resent by then; a late ack for them is ignored.
func (pk *PeerKnowledge) Prune(round, maxAge uint64) {
	for _, batches := range pk.inflight {
		for msgID, batch := range batches {
			if round-batch.round > maxAge {
				delete(batches, msgID)
			}
		}
	}
}

// Forget drops ids for every peer
func (pk *PeerKnowledge) Forget(ids []EntryID) {
	for _, known := range pk.peers {
		for _, id := range ids {
			delete(known, id)
		}
	}
}

// Len returns how many entries are tracked for peer
func (pk *PeerKnowledge) Len(peer string) int {
	return len(pk.peers[peer])
}

// Pending returns how many gossip messages to peer await acknowledgement
func (pk *PeerKnowledge) Pending(peer string) int {
	return len(pk.inflight[peer])
}
