package node

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/protocol"
)

// Handler implements one workload on top of the node runtime.
// All three methods run on the node's event loop, one at a time.
type Handler interface {
	// Init is called once the cluster membership is known, before init_ok is sent.
	// Periodic ticks are registered here with Node.Every.
	Init(n *Node) error
	// Handle processes one inbound message other than init. Returning a
	// *protocol.Error replies with that error; any other error stops the node.
	Handle(ctx context.Context, msg *protocol.Message) error
	// Tick processes a periodic event registered with Node.Every
	Tick(ctx context.Context, name string) error
}

// Config holds the node runtime configuration
type Config struct {
	// Workload names the handler in logs and metrics
	Workload string

	// RPCTimeout bounds an RPC whose context carries no deadline
	// Default: 1 second
	RPCTimeout time.Duration

	// Clock drives periodic ticks
	Clock clock.Clock

	// Logger for debugging
	Logger logging.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workload:   "node",
		RPCTimeout: time.Second,
		Clock:      clock.New(),
		Logger:     logging.Nop(),
	}
}
