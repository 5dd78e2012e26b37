package uniqueid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/node/nodetest"
	"maelstrom-nodes/internal/protocol"
)

func TestHandler(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	c := nodetest.Start(t, "unique-ids", ids, func(string) node.Handler { return NewHandler() })

	t.Run("ids are unique across nodes", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 30; i++ {
			dest := ids[i%len(ids)]
			reply := c.Call(t, dest, &protocol.Generate{})
			gen, ok := reply.Body.Payload.(*protocol.GenerateOk)
			require.True(t, ok, "got %s", reply.Body.Type())

			assert.True(t, strings.HasPrefix(gen.ID, dest+"-"), gen.ID)
			assert.NotContains(t, strings.TrimPrefix(gen.ID, dest+"-"), "-")
			assert.False(t, seen[gen.ID], "duplicate id %s", gen.ID)
			seen[gen.ID] = true
		}
	})

	t.Run("rejects other requests", func(t *testing.T) {
		reply := c.Call(t, "n1", &protocol.Echo{Echo: []byte(`1`)})
		assert.Equal(t, "error", reply.Body.Type())
	})
}
