package kafka

import (
	"context"
	"errors"
	"fmt"

	"maelstrom-nodes/internal/kafka/archive"
	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/offset"
	"maelstrom-nodes/internal/protocol"
)

const (
	tickGossip = "gossip"
	tickAnchor = "anchor"
)

// Handler serves the replicated log workload on a node
type Handler struct {
	config *Config
	logger logging.Logger

	node    *node.Node
	store   *LogStore
	peers   *PeerKnowledge
	gossip  *GossipEngine
	anchor  *AnchorEngine
	metrics *Metrics
}

// NewHandler creates a log handler. The store and engines are built on init,
// once the cluster is known.
func NewHandler(config *Config) (*Handler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{config: config, logger: config.Logger, metrics: metrics}, nil
}

// Metrics returns the handler's counters
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// Init implements node.Handler
func (h *Handler) Init(n *node.Node) error {
	membership, err := n.Membership()
	if err != nil {
		return err
	}

	allocator := h.config.Allocator
	if allocator == nil {
		allocator = offset.NewKV(n, h.config.KVService, h.config.AllocatorAttempts, h.logger)
	}
	if _, local := allocator.(*offset.Memory); local && membership.Size() > 1 {
		return fmt.Errorf("%w: a process-local allocator cannot serve a %d-node cluster", ErrInvalidConfig, membership.Size())
	}
	arch := h.config.Archive
	if arch == nil {
		arch = archive.NewMemory()
	}

	h.node = n
	h.store = NewLogStore(membership.Self, allocator, arch, h.metrics)
	h.peers = NewPeerKnowledge(membership.Neighbors)
	h.gossip = NewGossipEngine(membership.Self, membership.Neighbors, h.store, h.peers, n, h.config)
	h.anchor = NewAnchorEngine(membership.Cluster, h.store, h.peers, h.logger)

	n.Every(tickGossip, h.config.GossipInterval)
	n.Every(tickAnchor, h.config.AnchorInterval)

	h.logger.Infof("[Kafka] Node %s: log ready with %d neighbors, dissemination %s, gossip ack %t",
		membership.Self, len(membership.Neighbors), h.config.Dissemination, h.config.GossipAck)
	return nil
}

// Handle implements node.Handler
func (h *Handler) Handle(ctx context.Context, msg *protocol.Message) error {
	switch p := msg.Body.Payload.(type) {
	case *protocol.Send:
		return h.handleSend(ctx, msg, p)
	case *protocol.Poll:
		return h.handlePoll(msg, p)
	case *protocol.CommitOffsets:
		return h.handleCommitOffsets(msg, p)
	case *protocol.ListCommittedOffsets:
		return h.handleListCommittedOffsets(msg, p)
	case *protocol.Gossip:
		return h.handleGossip(msg, p)
	case *protocol.GossipOk:
		if msg.Body.InReplyTo == nil {
			return nil
		}
		return h.gossip.OnGossipAck(msg.Src, *msg.Body.InReplyTo)
	case *protocol.InternalSend:
		return h.handleInternalSend(msg, p)
	case *protocol.InternalCommitOffsets:
		return h.store.Commit(p.Offsets)
	default:
		return protocol.NewError(protocol.NotSupported, "unsupported message type %s", msg.Body.Type())
	}
}

// Tick implements node.Handler
func (h *Handler) Tick(ctx context.Context, name string) error {
	switch name {
	case tickGossip:
		if err := h.gossip.OnGossipTrigger(); err != nil {
			return err
		}
		_, err := h.anchor.Anchor()
		return err
	case tickAnchor:
		_, err := h.anchor.Anchor()
		return err
	default:
		return fmt.Errorf("unknown tick %s", name)
	}
}

func (h *Handler) handleSend(ctx context.Context, msg *protocol.Message, req *protocol.Send) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.AllocatorTimeout)
	defer cancel()

	entry, err := h.store.Append(ctx, req.Key, msgIDOf(msg), req.Msg)
	if err != nil {
		if errors.Is(err, offset.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warnf("[Kafka] Node %s: send to %s rejected: %v", h.node.ID(), req.Key, err)
			return protocol.NewError(protocol.TemporarilyUnavailable, "no offset available for %s", req.Key)
		}
		return err
	}

	if h.config.Dissemination == Push {
		if err := h.push(&protocol.InternalSend{LogEntry: entry.wire()}); err != nil {
			return err
		}
	}
	return h.node.Reply(msg, &protocol.SendOk{Offset: entry.Offset})
}

func (h *Handler) handlePoll(msg *protocol.Message, req *protocol.Poll) error {
	msgs := make(map[string][][2]int, len(req.Offsets))
	for _, key := range sortedKeys(req.Offsets) {
		pairs, err := h.store.ListFrom(key, req.Offsets[key])
		if err != nil {
			return err
		}
		if len(pairs) > 0 {
			msgs[key] = pairs
		}
	}
	return h.node.Reply(msg, &protocol.PollOk{Msgs: msgs})
}

func (h *Handler) handleCommitOffsets(msg *protocol.Message, req *protocol.CommitOffsets) error {
	if err := h.store.Commit(req.Offsets); err != nil {
		return err
	}
	if h.config.Dissemination == Push {
		if err := h.push(&protocol.InternalCommitOffsets{Offsets: req.Offsets}); err != nil {
			return err
		}
	}
	return h.node.Reply(msg, &protocol.CommitOffsetsOk{})
}

func (h *Handler) handleListCommittedOffsets(msg *protocol.Message, req *protocol.ListCommittedOffsets) error {
	offsets := make(map[string]int, len(req.Keys))
	for _, key := range req.Keys {
		count, err := h.store.CommittedCount(key)
		if err != nil {
			return err
		}
		if count > 0 {
			offsets[key] = count
		}
	}
	return h.node.Reply(msg, &protocol.ListCommittedOffsetsOk{Offsets: offsets})
}

func (h *Handler) handleGossip(msg *protocol.Message, req *protocol.Gossip) error {
	if err := h.gossip.OnGossipReceived(msg.Src, req); err != nil {
		return err
	}
	if _, err := h.anchor.Anchor(); err != nil {
		return err
	}
	if h.config.GossipAck {
		return h.node.Reply(msg, &protocol.GossipOk{})
	}
	return nil
}

// handleInternalSend merges an entry pushed by the neighbor that wrote it.
// Pushes do not count as peer knowledge; anti-entropy still confirms them.
func (h *Handler) handleInternalSend(msg *protocol.Message, req *protocol.InternalSend) error {
	entry := entryFromWire(req.LogEntry)
	entry.SeenBy.Add(h.node.ID())
	entry.SeenBy.Add(msg.Src)
	return h.store.MergeIncoming([]*LogEntry{entry}, Uncommitted)
}

// push sends payload to every neighbor without waiting
func (h *Handler) push(payload protocol.Payload) error {
	for _, peer := range h.gossip.neighbors {
		if _, err := h.node.Send(peer, payload); err != nil {
			return fmt.Errorf("failed to push %s to %s: %w", payload.Type(), peer, err)
		}
		h.metrics.RecordPush()
	}
	return nil
}

func msgIDOf(msg *protocol.Message) int {
	if msg.Body.MsgID == nil {
		return 0
	}
	return *msg.Body.MsgID
}
