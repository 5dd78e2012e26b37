// Package uniqueid generates cluster-unique ids without coordination
package uniqueid

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/protocol"
)

// Handler implements the unique-ids workload. Ids are the node id joined to
// a random UUID, so no two nodes can collide.
type Handler struct {
	node *node.Node
}

// NewHandler creates a unique-ids handler
func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Init(n *node.Node) error {
	h.node = n
	return nil
}

func (h *Handler) Handle(ctx context.Context, msg *protocol.Message) error {
	if _, ok := msg.Body.Payload.(*protocol.Generate); !ok {
		return protocol.NewError(protocol.NotSupported, "unsupported message type %s", msg.Body.Type())
	}
	return h.node.Reply(msg, &protocol.GenerateOk{ID: h.newID()})
}

func (h *Handler) Tick(ctx context.Context, name string) error {
	return nil
}

func (h *Handler) newID() string {
	return h.node.ID() + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
