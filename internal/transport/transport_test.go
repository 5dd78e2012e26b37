package transport

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maelstrom-nodes/internal/protocol"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, tr Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not finish")
	}
}

func TestStdioTransport_Receive(t *testing.T) {
	t.Run("delivers one message per line and ends cleanly", func(t *testing.T) {
		input := strings.Join([]string{
			`{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":1,"echo":"hi"}}`,
			``,
			`{"src":"c1","dest":"n1","body":{"type":"generate","msg_id":2}}`,
		}, "\n")
		tr := NewStdioTransport(strings.NewReader(input), io.Discard, nil)

		var mu sync.Mutex
		var types []string
		tr.SetMessageHandler(func(msg *protocol.Message) {
			mu.Lock()
			types = append(types, msg.Body.Type())
			mu.Unlock()
		})

		require.NoError(t, tr.Start())
		waitDone(t, tr)

		assert.NoError(t, tr.Err())
		mu.Lock()
		assert.Equal(t, []string{"echo", "generate"}, types)
		mu.Unlock()
	})

	t.Run("stops at the first malformed line", func(t *testing.T) {
		input := `{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":1,"echo":"hi"}}
not json
{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":2,"echo":"hi"}}`
		tr := NewStdioTransport(strings.NewReader(input), io.Discard, nil)

		count := 0
		tr.SetMessageHandler(func(msg *protocol.Message) { count++ })

		require.NoError(t, tr.Start())
		waitDone(t, tr)

		assert.Error(t, tr.Err())
		assert.Equal(t, 1, count)
	})

	t.Run("unknown message types are fatal", func(t *testing.T) {
		tr := NewStdioTransport(strings.NewReader(`{"src":"c1","dest":"n1","body":{"type":"txn"}}`), io.Discard, nil)
		require.NoError(t, tr.Start())
		waitDone(t, tr)
		assert.ErrorIs(t, tr.Err(), protocol.ErrUnknownType)
	})

	t.Run("cannot start twice", func(t *testing.T) {
		tr := NewStdioTransport(strings.NewReader(""), io.Discard, nil)
		require.NoError(t, tr.Start())
		assert.Error(t, tr.Start())
	})
}

func TestStdioTransport_Send(t *testing.T) {
	t.Run("requires start", func(t *testing.T) {
		tr := NewStdioTransport(strings.NewReader(""), io.Discard, nil)
		err := tr.SendMessage(&protocol.Message{Src: "n1", Dest: "c1", Body: protocol.Body{Payload: &protocol.InitOk{}}})
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("fails after stop", func(t *testing.T) {
		pr, _ := io.Pipe()
		tr := NewStdioTransport(pr, io.Discard, nil)
		require.NoError(t, tr.Start())
		require.NoError(t, tr.Stop())
		waitDone(t, tr)

		err := tr.SendMessage(&protocol.Message{Src: "n1", Dest: "c1", Body: protocol.Body{Payload: &protocol.InitOk{}}})
		assert.ErrorIs(t, err, ErrStopped)
		assert.NoError(t, tr.Err())
	})

	t.Run("concurrent writes stay line atomic", func(t *testing.T) {
		pr, _ := io.Pipe()
		out := &syncBuffer{}
		tr := NewStdioTransport(pr, out, nil)
		require.NoError(t, tr.Start())

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := tr.SendMessage(&protocol.Message{
					Src:  "n1",
					Dest: "c1",
					Body: protocol.Body{InReplyTo: protocol.IntPtr(i), Payload: &protocol.SendOk{Offset: i}},
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		require.Len(t, lines, 50)
		for _, line := range lines {
			msg, err := protocol.Decode([]byte(line))
			require.NoError(t, err)
			assert.Equal(t, "send_ok", msg.Body.Type())
		}
	})
}

func TestNetwork(t *testing.T) {
	t.Run("routes between members and collects client replies", func(t *testing.T) {
		network := NewNetwork()
		n1 := network.Join("n1")
		n2 := network.Join("n2")
		require.NoError(t, n1.Start())
		require.NoError(t, n2.Start())

		var received []*protocol.Message
		n2.SetMessageHandler(func(msg *protocol.Message) { received = append(received, msg) })

		require.NoError(t, n1.SendMessage(&protocol.Message{Src: "n1", Dest: "n2", Body: protocol.Body{Payload: &protocol.GossipOk{}}}))
		require.NoError(t, n1.SendMessage(&protocol.Message{Src: "n1", Dest: "c1", Body: protocol.Body{Payload: &protocol.InitOk{}}}))

		require.Len(t, received, 1)
		assert.Equal(t, "gossip_ok", received[0].Body.Type())
		require.Len(t, network.Outbox(), 1)
		assert.Equal(t, "c1", network.Outbox()[0].Dest)
	})

	t.Run("blocked members receive nothing", func(t *testing.T) {
		network := NewNetwork()
		n1 := network.Join("n1")
		n2 := network.Join("n2")
		require.NoError(t, n1.Start())
		require.NoError(t, n2.Start())

		count := 0
		n2.SetMessageHandler(func(msg *protocol.Message) { count++ })

		network.Block("n2")
		require.NoError(t, n1.SendMessage(&protocol.Message{Src: "n1", Dest: "n2", Body: protocol.Body{Payload: &protocol.GossipOk{}}}))
		assert.Equal(t, 0, count)

		network.Unblock("n2")
		require.NoError(t, n1.SendMessage(&protocol.Message{Src: "n1", Dest: "n2", Body: protocol.Body{Payload: &protocol.GossipOk{}}}))
		assert.Equal(t, 1, count)
	})

	t.Run("messages before start are held until start", func(t *testing.T) {
		network := NewNetwork()
		n1 := network.Join("n1")
		n2 := network.Join("n2")
		require.NoError(t, n1.Start())

		var received []string
		n2.SetMessageHandler(func(msg *protocol.Message) { received = append(received, msg.Body.Type()) })

		require.NoError(t, n1.SendMessage(&protocol.Message{Src: "n1", Dest: "n2", Body: protocol.Body{Payload: &protocol.GossipOk{}}}))
		assert.Empty(t, received)

		require.NoError(t, n2.Start())
		assert.Equal(t, []string{"gossip_ok"}, received)
	})

	t.Run("stop closes done", func(t *testing.T) {
		network := NewNetwork()
		n1 := network.Join("n1")
		require.NoError(t, n1.Start())
		require.NoError(t, n1.Stop())
		waitDone(t, n1)

		err := n1.SendMessage(&protocol.Message{Src: "n1", Dest: "c1", Body: protocol.Body{Payload: &protocol.InitOk{}}})
		assert.ErrorIs(t, err, ErrStopped)
	})
}
