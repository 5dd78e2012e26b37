// Package nodetest runs handlers on an in-process network for tests
package nodetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/protocol"
	"maelstrom-nodes/internal/transport"
)

// Client is the id requests are sent from
const Client = "c1"

// Cluster is a set of initialized nodes sharing a network and a mock clock
type Cluster struct {
	Network *transport.Network
	Clock   *clock.Mock
	Errs    chan error

	mu     sync.Mutex
	nextID int
}

// Start runs one node per id with the handler built by newHandler and sends
// each its init
func Start(t *testing.T, workload string, ids []string, newHandler func(id string) node.Handler) *Cluster {
	t.Helper()
	c := &Cluster{
		Network: transport.NewNetwork(),
		Clock:   clock.NewMock(),
		Errs:    make(chan error, len(ids)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, id := range ids {
		config := node.DefaultConfig()
		config.Workload = workload
		config.Clock = c.Clock
		n, err := node.New(config, c.Network.Join(id), newHandler(id))
		require.NoError(t, err)
		go func() { c.Errs <- n.Run(ctx) }()
	}

	for _, id := range ids {
		reply := c.Call(t, id, &protocol.Init{NodeID: id, NodeIDs: ids})
		require.Equal(t, "init_ok", reply.Body.Type())
	}
	return c
}

// Request sends payload from the client without waiting and returns its msg_id
func (c *Cluster) Request(dest string, payload protocol.Payload) int {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	c.Network.Inject(&protocol.Message{
		Src:  Client,
		Dest: dest,
		Body: protocol.Body{MsgID: protocol.IntPtr(id), Payload: payload},
	})
	return id
}

// Call sends payload from the client and waits for the reply
func (c *Cluster) Call(t *testing.T, dest string, payload protocol.Payload) *protocol.Message {
	t.Helper()
	id := c.Request(dest, payload)
	var found *protocol.Message
	require.Eventually(t, func() bool {
		for _, msg := range c.Network.Outbox() {
			if msg.Dest == Client && msg.Body.InReplyTo != nil && *msg.Body.InReplyTo == id {
				found = msg
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

// Await retries cond, advancing the clock by step before each try
func (c *Cluster) Await(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if step > 0 {
			c.Clock.Add(step)
		}
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
