package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/node/nodetest"
	"maelstrom-nodes/internal/protocol"
)

func startCluster(t *testing.T, ids []string) *nodetest.Cluster {
	t.Helper()
	return nodetest.Start(t, "g-counter", ids, func(string) node.Handler {
		h, err := NewHandler(nil)
		require.NoError(t, err)
		return h
	})
}

func read(t *testing.T, c *nodetest.Cluster, dest string) int {
	t.Helper()
	reply := c.Call(t, dest, &protocol.Read{})
	readOk, ok := reply.Body.Payload.(*protocol.ReadOk)
	require.True(t, ok, "got %s", reply.Body.Type())
	return readOk.Value
}

func TestHandler_Merge(t *testing.T) {
	h, err := NewHandler(nil)
	require.NoError(t, err)

	h.merge(map[string]int{"n1": 3, "n2": 5})
	h.merge(map[string]int{"n1": 2, "n2": 7})
	h.merge(map[string]int{"n1": 3, "n2": 5})
	assert.Equal(t, 10, h.Value(), "merge keeps the per-node maximum")
}

func TestHandler(t *testing.T) {
	t.Run("adds are summed on one node", func(t *testing.T) {
		c := startCluster(t, []string{"n1"})
		assert.Equal(t, 0, read(t, c, "n1"))

		for _, d := range []int{1, 2, 0, 4} {
			reply := c.Call(t, "n1", &protocol.Add{Delta: d})
			assert.Equal(t, "add_ok", reply.Body.Type())
		}
		assert.Equal(t, 7, read(t, c, "n1"))
	})

	t.Run("negative deltas are rejected", func(t *testing.T) {
		c := startCluster(t, []string{"n1"})
		reply := c.Call(t, "n1", &protocol.Add{Delta: -1})
		perr, ok := reply.Body.Payload.(*protocol.Error)
		require.True(t, ok)
		assert.Equal(t, protocol.MalformedRequest, perr.Code)
	})

	t.Run("nodes converge on the total", func(t *testing.T) {
		ids := []string{"n1", "n2", "n3"}
		c := startCluster(t, ids)
		c.Call(t, "n1", &protocol.Add{Delta: 5})
		c.Call(t, "n2", &protocol.Add{Delta: 3})
		c.Call(t, "n2", &protocol.Add{Delta: 1})

		for _, id := range ids {
			c.Await(t, 300*time.Millisecond, func() bool {
				return read(t, c, id) == 9
			})
		}
	})
}
