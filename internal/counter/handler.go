// Package counter implements a grow-only counter as a state-based CRDT
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/protocol"
)

// ErrInvalidConfig is returned when the counter configuration is invalid
var ErrInvalidConfig = errors.New("invalid counter configuration")

const tickGossip = "gossip"

// Config holds the counter configuration
type Config struct {
	// GossipInterval is how often the per-node totals are sent to neighbors
	// Default: 300ms
	GossipInterval time.Duration

	// Logger for debugging
	Logger logging.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		GossipInterval: 300 * time.Millisecond,
		Logger:         logging.Nop(),
	}
}

// Handler implements the g-counter workload. Each node only grows its own
// total; merging takes the per-node maximum.
type Handler struct {
	config *Config
	node   *node.Node
	counts map[string]int
}

// NewHandler creates a counter handler
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
	return &Handler{config: config, counts: make(map[string]int)}, nil
}

func (h *Handler) Init(n *node.Node) error {
	h.node = n
	n.Every(tickGossip, h.config.GossipInterval)
	return nil
}

func (h *Handler) Handle(ctx context.Context, msg *protocol.Message) error {
	switch p := msg.Body.Payload.(type) {
	case *protocol.Add:
		if p.Delta < 0 {
			return protocol.NewError(protocol.MalformedRequest, "counter only grows, got delta %d", p.Delta)
		}
		h.counts[h.node.ID()] += p.Delta
		return h.node.Reply(msg, &protocol.AddOk{})
	case *protocol.Read:
		return h.node.Reply(msg, &protocol.ReadOk{Value: h.Value()})
	case *protocol.CounterGossip:
		h.merge(p.Counts)
		return nil
	default:
		return protocol.NewError(protocol.NotSupported, "unsupported message type %s", msg.Body.Type())
	}
}

func (h *Handler) Tick(ctx context.Context, name string) error {
	if name != tickGossip {
		return fmt.Errorf("unknown tick %s", name)
	}
	membership, err := h.node.Membership()
	if err != nil {
		return err
	}
	if len(h.counts) == 0 {
		return nil
	}

	for _, peer := range membership.Neighbors {
		counts := make(map[string]int, len(h.counts))
		for id, c := range h.counts {
			counts[id] = c
		}
		if _, err := h.node.Send(peer, &protocol.CounterGossip{Counts: counts}); err != nil {
			return fmt.Errorf("failed to gossip to %s: %w", peer, err)
		}
	}
	return nil
}

// Value returns the sum of every node's total
func (h *Handler) Value() int {
	sum := 0
	for _, c := range h.counts {
		sum += c
	}
	return sum
}

func (h *Handler) merge(counts map[string]int) {
	for id, c := range counts {
		if c > h.counts[id] {
			h.counts[id] = c
		}
	}
}
