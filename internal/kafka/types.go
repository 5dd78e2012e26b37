package kafka

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"maelstrom-nodes/internal/kafka/archive"
	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/offset"
	"maelstrom-nodes/internal/protocol"
)

var (
	// ErrInvalidConfig is returned when the log configuration is invalid
	ErrInvalidConfig = errors.New("invalid kafka configuration")
	// ErrUnknownPeer is returned when a node outside the cluster shows up in
	// gossip bookkeeping. It means the membership view is broken.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrOffsetTaken is returned when the allocator hands out an offset that
	// is already in the log
	ErrOffsetTaken = errors.New("offset already taken")
)

// Tier is the lifecycle stage of a log entry. Entries only move forward.
type Tier int

const (
	// Uncommitted entries are written but not yet committed by a client
	Uncommitted Tier = iota
	// Committed entries have offsets at or below the key's committed offset
	Committed
	// Anchored entries are held by every cluster member and are no longer gossiped
	Anchored
)

func (t Tier) String() string {
	switch t {
	case Uncommitted:
		return "Uncommitted"
	case Committed:
		return "Committed"
	case Anchored:
		return "Anchored"
	default:
		return "Unknown"
	}
}

// EntryID identifies a log entry across the cluster
type EntryID struct {
	Key    string
	Offset int
}

func (id EntryID) String() string {
	return fmt.Sprintf("%s/%d", id.Key, id.Offset)
}

// NodeSet is a set of node ids
type NodeSet map[string]struct{}

// NewNodeSet creates a set holding ids
func NewNodeSet(ids ...string) NodeSet {
	s := make(NodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id and reports whether the set grew
func (s NodeSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Has reports whether id is in the set
func (s NodeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Union adds every member of other and reports whether the set grew
func (s NodeSet) Union(other NodeSet) bool {
	grew := false
	for id := range other {
		if s.Add(id) {
			grew = true
		}
	}
	return grew
}

// ContainsAll reports whether every id is in the set
func (s NodeSet) ContainsAll(ids []string) bool {
	for _, id := range ids {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in ascending order
func (s NodeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set
func (s NodeSet) Clone() NodeSet {
	c := make(NodeSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// LogEntry is one message in a key's log
type LogEntry struct {
	MsgID  int
	Key    string
	Offset int
	Value  int
	// SeenBy holds the nodes known to hold this entry. It only grows.
	SeenBy NodeSet
}

// ID returns the entry's cluster-wide identity
func (e *LogEntry) ID() EntryID {
	return EntryID{Key: e.Key, Offset: e.Offset}
}

func (e *LogEntry) clone() *LogEntry {
	c := *e
	c.SeenBy = e.SeenBy.Clone()
	return &c
}

func (e *LogEntry) wire() protocol.LogEntry {
	return protocol.LogEntry{
		MsgID:  e.MsgID,
		Key:    e.Key,
		Offset: e.Offset,
		Msg:    e.Value,
		SeenBy: e.SeenBy.Sorted(),
	}
}

func (e *LogEntry) record(committed bool) archive.Record {
	return archive.Record{
		MsgID:     e.MsgID,
		Key:       e.Key,
		Offset:    e.Offset,
		Value:     e.Value,
		SeenBy:    e.SeenBy.Sorted(),
		Committed: committed,
	}
}

func entryFromWire(w protocol.LogEntry) *LogEntry {
	return &LogEntry{
		MsgID:  w.MsgID,
		Key:    w.Key,
		Offset: w.Offset,
		Value:  w.Msg,
		SeenBy: NewNodeSet(w.SeenBy...),
	}
}

// Dissemination selects how new entries reach neighbors
type Dissemination string

const (
	// Gossip relies on periodic anti-entropy only
	Gossip Dissemination = "gossip"
	// Push also forwards each send and commit to every neighbor right away;
	// anti-entropy still repairs anything lost
	Push Dissemination = "push"
)

// Config holds the replicated log configuration
type Config struct {
	// GossipInterval is how often deltas are sent to each neighbor
	// Default: 100ms
	GossipInterval time.Duration

	// AnchorInterval is how often fully replicated entries are anchored
	// Default: 100ms
	AnchorInterval time.Duration

	// GossipBatchSize caps the entries per tier in one gossip message
	// Default: 200
	GossipBatchSize int

	// GossipAck makes receivers acknowledge gossip. Sent entries count as
	// delivered only once acknowledged. Without it, they count as delivered
	// as soon as they are sent.
	GossipAck bool

	// GossipResendRounds is how many gossip rounds an unacknowledged entry
	// waits before it is sent again. Only used with GossipAck.
	GossipResendRounds uint64

	// Dissemination is Gossip or Push
	Dissemination Dissemination

	// AllocatorTimeout bounds one offset allocation
	// Default: 1 second
	AllocatorTimeout time.Duration

	// AllocatorAttempts bounds compare-and-set retries of the lin-kv allocator
	AllocatorAttempts int

	// KVService is the harness service backing the default allocator
	KVService string

	// Allocator overrides the default lin-kv allocator
	Allocator offset.Allocator

	// Archive stores the anchored tier. Defaults to an in-memory archive.
	Archive archive.Archive

	// Metrics collects counters; one is created when nil
	Metrics *Metrics

	// Logger for debugging
	Logger logging.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		GossipInterval:     100 * time.Millisecond,
		AnchorInterval:     100 * time.Millisecond,
		GossipBatchSize:    200,
		GossipAck:          true,
		GossipResendRounds: 5,
		Dissemination:      Gossip,
		AllocatorTimeout:   time.Second,
		AllocatorAttempts:  10,
		KVService:          "lin-kv",
		Logger:             logging.Nop(),
	}
}

func validateConfig(config *Config) error {
	if config.GossipInterval <= 0 {
		return fmt.Errorf("%w: GossipInterval must be positive", ErrInvalidConfig)
	}
	if config.AnchorInterval <= 0 {
		return fmt.Errorf("%w: AnchorInterval must be positive", ErrInvalidConfig)
	}
	if config.GossipBatchSize <= 0 {
		return fmt.Errorf("%w: GossipBatchSize must be positive", ErrInvalidConfig)
	}
	if config.GossipAck && config.GossipResendRounds == 0 {
		return fmt.Errorf("%w: GossipResendRounds must be positive with GossipAck", ErrInvalidConfig)
	}
	if config.Dissemination != Gossip && config.Dissemination != Push {
		return fmt.Errorf("%w: unknown dissemination %q", ErrInvalidConfig, config.Dissemination)
	}
	if config.AllocatorTimeout <= 0 {
		return fmt.Errorf("%w: AllocatorTimeout must be positive", ErrInvalidConfig)
	}
	if config.Allocator == nil && config.KVService == "" {
		return fmt.Errorf("%w: KVService is required without an Allocator", ErrInvalidConfig)
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	return nil
}
