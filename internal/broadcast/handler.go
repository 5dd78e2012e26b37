// Package broadcast replicates a grow-only set of values by gossip
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/protocol"
)

// ErrInvalidConfig is returned when the broadcast configuration is invalid
var ErrInvalidConfig = errors.New("invalid broadcast configuration")

const tickGossip = "gossip"

// Config holds the broadcast configuration
type Config struct {
	// GossipInterval is how often neighbors are sent what they lack
	// Default: 300ms
	GossipInterval time.Duration

	// UnackedRounds is how many rounds an unacknowledged gossip is remembered
	UnackedRounds uint64

	// Logger for debugging
	Logger logging.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		GossipInterval: 300 * time.Millisecond,
		UnackedRounds:  10,
		Logger:         logging.Nop(),
	}
}

type pendingGossip struct {
	values []int
	round  uint64
}

// Handler implements the broadcast workload
type Handler struct {
	config *Config
	node   *node.Node

	values    map[int]struct{}
	neighbors []string
	// known holds the values each node is known to hold
	known   map[string]map[int]struct{}
	pending map[string]map[int]pendingGossip
	round   uint64
}

// NewHandler creates a broadcast handler
func NewHandler(config *Config) (*Handler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GossipInterval <= 0 {
		return nil, fmt.Errorf("%w: GossipInterval must be positive", ErrInvalidConfig)
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	return &Handler{
		config:  config,
		values:  make(map[int]struct{}),
		known:   make(map[string]map[int]struct{}),
		pending: make(map[string]map[int]pendingGossip),
	}, nil
}

func (h *Handler) Init(n *node.Node) error {
	membership, err := n.Membership()
	if err != nil {
		return err
	}
	h.node = n
	h.setNeighbors(membership.Neighbors)
	n.Every(tickGossip, h.config.GossipInterval)
	return nil
}

func (h *Handler) Handle(ctx context.Context, msg *protocol.Message) error {
	switch p := msg.Body.Payload.(type) {
	case *protocol.Broadcast:
		h.values[p.Message] = struct{}{}
		return h.node.Reply(msg, &protocol.BroadcastOk{})
	case *protocol.Read:
		return h.node.Reply(msg, &protocol.MessagesOk{Messages: h.Values()})
	case *protocol.Topology:
		return h.handleTopology(msg, p)
	case *protocol.BroadcastGossip:
		known := h.knownBy(msg.Src)
		for _, v := range p.Messages {
			h.values[v] = struct{}{}
			known[v] = struct{}{}
		}
		return h.node.Reply(msg, &protocol.BroadcastGossipOk{})
	case *protocol.BroadcastGossipOk:
		if msg.Body.InReplyTo == nil {
			return nil
		}
		batch, ok := h.pending[msg.Src][*msg.Body.InReplyTo]
		if !ok {
			return nil
		}
		delete(h.pending[msg.Src], *msg.Body.InReplyTo)
		known := h.knownBy(msg.Src)
		for _, v := range batch.values {
			known[v] = struct{}{}
		}
		return nil
	default:
		return protocol.NewError(protocol.NotSupported, "unsupported message type %s", msg.Body.Type())
	}
}

func (h *Handler) handleTopology(msg *protocol.Message, req *protocol.Topology) error {
	membership, err := h.node.Membership()
	if err != nil {
		return err
	}
	if neighbors, ok := req.Topology[membership.Self]; ok {
		var valid []string
		for _, id := range neighbors {
			if membership.IsNeighbor(id) {
				valid = append(valid, id)
			}
		}
		h.setNeighbors(valid)
		h.config.Logger.Infof("[Broadcast] Node %s: topology neighbors %v", membership.Self, h.neighbors)
	}
	return h.node.Reply(msg, &protocol.TopologyOk{})
}

func (h *Handler) Tick(ctx context.Context, name string) error {
	if name != tickGossip {
		return fmt.Errorf("unknown tick %s", name)
	}
	h.round++

	for _, peer := range h.neighbors {
		for msgID, batch := range h.pending[peer] {
			if h.round-batch.round > h.config.UnackedRounds {
				delete(h.pending[peer], msgID)
			}
		}

		known := h.knownBy(peer)
		var missing []int
		for v := range h.values {
			if _, ok := known[v]; !ok {
				missing = append(missing, v)
			}
		}
		if len(missing) == 0 {
			continue
		}
		sort.Ints(missing)

		msgID, err := h.node.Send(peer, &protocol.BroadcastGossip{Messages: missing})
		if err != nil {
			return fmt.Errorf("failed to gossip to %s: %w", peer, err)
		}
		h.pending[peer][msgID] = pendingGossip{values: missing, round: h.round}
	}
	return nil
}

// Values returns every value this node holds, ascending
func (h *Handler) Values() []int {
	out := make([]int, 0, len(h.values))
	for v := range h.values {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (h *Handler) setNeighbors(neighbors []string) {
	sort.Strings(neighbors)
	h.neighbors = neighbors
	for _, peer := range neighbors {
		if h.pending[peer] == nil {
			h.pending[peer] = make(map[int]pendingGossip)
		}
	}
}

func (h *Handler) knownBy(id string) map[int]struct{} {
	known, ok := h.known[id]
	if !ok {
		known = make(map[int]struct{})
		h.known[id] = known
	}
	return known
}
