package kafka

import (
	"context"
	"fmt"
	"sort"

	"maelstrom-nodes/internal/kafka/archive"
	"maelstrom-nodes/internal/offset"
)

// LogStore holds every entry this node knows, split by tier. Uncommitted and
// Committed entries live in memory; Anchored entries live in the archive.
// It is owned by the node's event loop and takes no locks.
type LogStore struct {
	self      string
	allocator offset.Allocator
	archive   archive.Archive
	metrics   *Metrics

	// live maps Uncommitted and Committed to key -> offset -> entry
	live map[Tier]map[string]map[int]*LogEntry
	// committedOffset is the highest committed offset per key
	committedOffset map[string]int
}

// NewLogStore creates an empty store for node self
func NewLogStore(self string, allocator offset.Allocator, arch archive.Archive, metrics *Metrics) *LogStore {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &LogStore{
		self:      self,
		allocator: allocator,
		archive:   arch,
		metrics:   metrics,
		live: map[Tier]map[string]map[int]*LogEntry{
			Uncommitted: make(map[string]map[int]*LogEntry),
			Committed:   make(map[string]map[int]*LogEntry),
		},
		committedOffset: make(map[string]int),
	}
}

// Append reserves an offset for key and stores the value as Uncommitted
func (s *LogStore) Append(ctx context.Context, key string, msgID, value int) (*LogEntry, error) {
	o, err := s.allocator.Next(ctx, key)
	if err != nil {
		s.metrics.RecordAllocatorFailure()
		return nil, fmt.Errorf("failed to allocate offset for %s: %w", key, err)
	}

	entry := &LogEntry{MsgID: msgID, Key: key, Offset: o, Value: value, SeenBy: NewNodeSet(s.self)}
	_, _, found, err := s.locate(entry.ID())
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: %s", ErrOffsetTaken, entry.ID())
	}

	tier := Uncommitted
	if s.isCommitted(key, o) {
		tier = Committed
	}
	s.insert(tier, entry)
	s.metrics.RecordAppend()
	return entry, nil
}

// MergeIncoming folds entries received from a peer into the store. Known
// entries only gain seen-by members and may move forward; new entries are
// inserted into tier. Merging is idempotent and order-independent.
func (s *LogStore) MergeIncoming(entries []*LogEntry, tier Tier) error {
	if tier != Uncommitted && tier != Committed {
		return fmt.Errorf("cannot merge into tier %s", tier)
	}

	for _, incoming := range entries {
		id := incoming.ID()
		existing, at, found, err := s.locate(id)
		if err != nil {
			return err
		}

		switch {
		case found && at == Anchored:
			if err := s.archive.Put([]archive.Record{incoming.record(tier == Committed)}); err != nil {
				return fmt.Errorf("failed to merge %s into archive: %w", id, err)
			}
		case found:
			existing.SeenBy.Union(incoming.SeenBy)
			if tier == Committed && at == Uncommitted {
				s.move(existing, Uncommitted, Committed)
				s.metrics.RecordPromotion()
			}
		default:
			target := tier
			if s.isCommitted(id.Key, id.Offset) {
				target = Committed
			}
			s.insert(target, incoming.clone())
		}
		s.metrics.RecordMerge()

		if tier == Committed {
			if err := s.raiseCommitted(id.Key, id.Offset); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit records client commits. A commit at or above the key's committed
// offset moves every Uncommitted entry at or below it to Committed; a lower
// commit changes nothing.
func (s *LogStore) Commit(offsets map[string]int) error {
	for _, key := range sortedKeys(offsets) {
		o := offsets[key]
		if current, ok := s.committedOffset[key]; ok && o < current {
			continue
		}
		s.committedOffset[key] = o
		if err := s.sweep(key, o); err != nil {
			return err
		}
		s.metrics.RecordCommit()
	}
	return nil
}

// MergeCommitted folds a peer's committed offsets into the store. Each key's
// committed offset only rises, and entries at or below it become committed
// in every tier.
func (s *LogStore) MergeCommitted(offsets map[string]int) error {
	for _, key := range sortedKeys(offsets) {
		if err := s.raiseCommitted(key, offsets[key]); err != nil {
			return err
		}
	}
	return nil
}

// raiseCommitted advances the committed offset learned from a peer
func (s *LogStore) raiseCommitted(key string, o int) error {
	if current, ok := s.committedOffset[key]; ok && o <= current {
		return nil
	}
	s.committedOffset[key] = o
	return s.sweep(key, o)
}

// sweep moves Uncommitted entries of key at or below o to Committed and
// flags anchored ones
func (s *LogStore) sweep(key string, o int) error {
	for off, entry := range s.live[Uncommitted][key] {
		if off <= o {
			s.move(entry, Uncommitted, Committed)
		}
	}
	if err := s.archive.CommitThrough(key, o); err != nil {
		return fmt.Errorf("failed to commit %s through %d in archive: %w", key, o, err)
	}
	return nil
}

// ListFrom returns [offset, value] pairs of key with offset >= from across all
// tiers, ascending
func (s *LogStore) ListFrom(key string, from int) ([][2]int, error) {
	values := make(map[int]int)
	for _, tier := range []Tier{Uncommitted, Committed} {
		for off, entry := range s.live[tier][key] {
			if off >= from {
				values[off] = entry.Value
			}
		}
	}

	records, err := s.archive.Range(key, from)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive for %s: %w", key, err)
	}
	for _, r := range records {
		values[r.Offset] = r.Value
	}

	pairs := make([][2]int, 0, len(values))
	for off, v := range values {
		pairs = append(pairs, [2]int{off, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs, nil
}

// CommittedCount returns how many entries of key are committed, whether
// still live or already anchored
func (s *LogStore) CommittedCount(key string) (int, error) {
	archived, err := s.archive.CommittedCount(key)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived entries for %s: %w", key, err)
	}
	return len(s.live[Committed][key]) + archived, nil
}

// CommittedOffset returns the highest committed offset of key
func (s *LogStore) CommittedOffset(key string) (int, bool) {
	o, ok := s.committedOffset[key]
	return o, ok
}

// CommittedOffsets returns a copy of the committed offset of every key
func (s *LogStore) CommittedOffsets() map[string]int {
	out := make(map[string]int, len(s.committedOffset))
	for key, o := range s.committedOffset {
		out[key] = o
	}
	return out
}

// Keys returns the keys with live entries in tier, sorted
func (s *LogStore) Keys(tier Tier) []string {
	logs := s.live[tier]
	keys := make([]string, 0, len(logs))
	for key, entries := range logs {
		if len(entries) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entries returns the live entries of key in tier, oldest first
func (s *LogStore) Entries(tier Tier, key string) []*LogEntry {
	logs := s.live[tier][key]
	entries := make([]*LogEntry, 0, len(logs))
	for _, entry := range logs {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries
}

// Lookup finds a live entry
func (s *LogStore) Lookup(id EntryID) (*LogEntry, Tier, bool) {
	for _, tier := range []Tier{Committed, Uncommitted} {
		if entry, ok := s.live[tier][id.Key][id.Offset]; ok {
			return entry, tier, true
		}
	}
	return nil, Anchored, false
}

// MarkSeen adds node to a live entry's seen-by set
func (s *LogStore) MarkSeen(id EntryID, node string) bool {
	entry, _, ok := s.Lookup(id)
	if !ok {
		return false
	}
	return entry.SeenBy.Add(node)
}

// AnchorComplete moves every live entry seen by all of cluster into the archive
func (s *LogStore) AnchorComplete(cluster []string) ([]EntryID, error) {
	var (
		records []archive.Record
		moved   []*LogEntry
		tiers   []Tier
	)
	for _, tier := range []Tier{Uncommitted, Committed} {
		for _, key := range s.Keys(tier) {
			for _, entry := range s.Entries(tier, key) {
				if entry.SeenBy.ContainsAll(cluster) {
					records = append(records, entry.record(tier == Committed))
					moved = append(moved, entry)
					tiers = append(tiers, tier)
				}
			}
		}
	}
	if len(records) == 0 {
		return nil, nil
	}

	if err := s.archive.Put(records); err != nil {
		return nil, fmt.Errorf("failed to anchor %d entries: %w", len(records), err)
	}

	ids := make([]EntryID, len(moved))
	for i, entry := range moved {
		s.remove(tiers[i], entry)
		ids[i] = entry.ID()
	}
	return ids, nil
}

// Len returns the number of live entries in tier
func (s *LogStore) Len(tier Tier) int {
	n := 0
	for _, entries := range s.live[tier] {
		n += len(entries)
	}
	return n
}

// locate finds id in any tier
func (s *LogStore) locate(id EntryID) (*LogEntry, Tier, bool, error) {
	if entry, tier, ok := s.Lookup(id); ok {
		return entry, tier, true, nil
	}
	_, ok, err := s.archive.Get(id.Key, id.Offset)
	if err != nil {
		return nil, Anchored, false, fmt.Errorf("failed to look up %s in archive: %w", id, err)
	}
	return nil, Anchored, ok, nil
}

func (s *LogStore) isCommitted(key string, o int) bool {
	current, ok := s.committedOffset[key]
	return ok && o <= current
}

func (s *LogStore) insert(tier Tier, entry *LogEntry) {
	logs := s.live[tier]
	if logs[entry.Key] == nil {
		logs[entry.Key] = make(map[int]*LogEntry)
	}
	logs[entry.Key][entry.Offset] = entry
}

func (s *LogStore) remove(tier Tier, entry *LogEntry) {
	logs := s.live[tier]
	delete(logs[entry.Key], entry.Offset)
	if len(logs[entry.Key]) == 0 {
		delete(logs, entry.Key)
	}
}

func (s *LogStore) move(entry *LogEntry, from, to Tier) {
	s.remove(from, entry)
	s.insert(to, entry)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
