package archive

import (
	"sort"
	"sync"
)

// Record is a log entry that every cluster member is known to hold
type Record struct {
	MsgID     int      `msgpack:"msg_id"`
	Key       string   `msgpack:"key"`
	Offset    int      `msgpack:"offset"`
	Value     int      `msgpack:"value"`
	SeenBy    []string `msgpack:"seen_by"`
	Committed bool     `msgpack:"committed"`
}

// Archive stores the anchored tier of the log. Records are never removed;
// re-putting an existing record only grows its seen-by set and can only turn
// its committed flag on.
type Archive interface {
	// Put stores records, merging into any already present
	Put(records []Record) error
	// Get returns the record at (key, offset)
	Get(key string, offset int) (Record, bool, error)
	// Range returns the records of key with offset >= from, ascending
	Range(key string, from int) ([]Record, error)
	// CommitThrough flags every record of key with offset <= offset as committed
	CommitThrough(key string, offset int) error
	// CommittedCount returns how many records of key are flagged committed
	CommittedCount(key string) (int, error)
	// Close releases the underlying storage
	Close() error
}

func merge(existing, incoming Record) Record {
	existing.SeenBy = unionSorted(existing.SeenBy, incoming.SeenBy)
	existing.Committed = existing.Committed || incoming.Committed
	return existing
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Memory is an in-process Archive
type Memory struct {
	mu   sync.RWMutex
	logs map[string]map[int]Record
}

// NewMemory creates an empty in-process archive
func NewMemory() *Memory {
	return &Memory{logs: make(map[string]map[int]Record)}
}

func (m *Memory) Put(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		log, ok := m.logs[r.Key]
		if !ok {
			log = make(map[int]Record)
			m.logs[r.Key] = log
		}
		if existing, ok := log[r.Offset]; ok {
			log[r.Offset] = merge(existing, r)
			continue
		}
		r.SeenBy = unionSorted(r.SeenBy, nil)
		log[r.Offset] = r
	}
	return nil
}

func (m *Memory) Get(key string, offset int) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.logs[key][offset]
	return r, ok, nil
}

func (m *Memory) Range(key string, from int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for offset, r := range m.logs[key] {
		if offset >= from {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

func (m *Memory) CommitThrough(key string, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for o, r := range m.logs[key] {
		if o <= offset && !r.Committed {
			r.Committed = true
			m.logs[key][o] = r
		}
	}
	return nil
}

func (m *Memory) CommittedCount(key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.logs[key] {
		if r.Committed {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close() error {
	return nil
}
