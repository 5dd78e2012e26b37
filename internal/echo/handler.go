// Package echo answers every echo request with its own payload
package echo

import (
	"context"

	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/protocol"
)

// Handler implements the echo workload
type Handler struct {
	node *node.Node
}

// NewHandler creates an echo handler
func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Init(n *node.Node) error {
	h.node = n
	return nil
}

func (h *Handler) Handle(ctx context.Context, msg *protocol.Message) error {
	echo, ok := msg.Body.Payload.(*protocol.Echo)
	if !ok {
		return protocol.NewError(protocol.NotSupported, "unsupported message type %s", msg.Body.Type())
	}
	return h.node.Reply(msg, &protocol.EchoOk{Echo: echo.Echo})
}

func (h *Handler) Tick(ctx context.Context, name string) error {
	return nil
}
