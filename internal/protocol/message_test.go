package protocol

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("decodes init with flattened body", func(t *testing.T) {
		line := `{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2","n3"]}}`

		msg, err := Decode([]byte(line))
		require.NoError(t, err)

		assert.Equal(t, "c1", msg.Src)
		assert.Equal(t, "n1", msg.Dest)
		require.NotNil(t, msg.Body.MsgID)
		assert.Equal(t, 1, *msg.Body.MsgID)
		assert.Nil(t, msg.Body.InReplyTo)

		init, ok := msg.Body.Payload.(*Init)
		require.True(t, ok)
		assert.Equal(t, "n1", init.NodeID)
		assert.Equal(t, []string{"n1", "n2", "n3"}, init.NodeIDs)
	})

	t.Run("decodes gossip entries by tier", func(t *testing.T) {
		line := `{"src":"n2","dest":"n1","body":{"type":"gossip","seen":{"committed":{},"uncommitted":{"x":[{"msg_id":3,"key":"x","offset":0,"msg":10,"seen_by":["n2"]}]}}}}`

		msg, err := Decode([]byte(line))
		require.NoError(t, err)

		gossip, ok := msg.Body.Payload.(*Gossip)
		require.True(t, ok)
		require.Len(t, gossip.Seen.Uncommitted["x"], 1)
		assert.Equal(t, LogEntry{MsgID: 3, Key: "x", Offset: 0, Msg: 10, SeenBy: []string{"n2"}}, gossip.Seen.Uncommitted["x"][0])
		assert.Empty(t, gossip.Seen.Committed)
	})

	t.Run("decodes error replies", func(t *testing.T) {
		line := `{"src":"lin-kv","dest":"n1","body":{"type":"error","in_reply_to":4,"code":22,"text":"expected 1"}}`

		msg, err := Decode([]byte(line))
		require.NoError(t, err)

		perr, ok := msg.Body.Payload.(*Error)
		require.True(t, ok)
		assert.Equal(t, PreconditionFailed, perr.Code)
		assert.Equal(t, 4, *msg.Body.InReplyTo)
		assert.True(t, IsCode(perr, PreconditionFailed))
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := Decode([]byte(`{"src":"c1","dest":"n1","body":{"type":"txn","msg_id":1}}`))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("rejects malformed lines", func(t *testing.T) {
		_, err := Decode([]byte(`{"src":"c1",`))
		assert.Error(t, err)
	})
}

func TestEncode(t *testing.T) {
	t.Run("flattens header and payload", func(t *testing.T) {
		msg := &Message{
			Src:  "n1",
			Dest: "c1",
			Body: Body{MsgID: IntPtr(7), InReplyTo: IntPtr(2), Payload: &SendOk{Offset: 0}},
		}

		data, err := Encode(msg)
		require.NoError(t, err)

		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &raw))
		body := raw["body"].(map[string]interface{})
		assert.Equal(t, "send_ok", body["type"])
		assert.Equal(t, float64(7), body["msg_id"])
		assert.Equal(t, float64(2), body["in_reply_to"])
		assert.Equal(t, float64(0), body["offset"])
	})

	t.Run("omits absent header fields", func(t *testing.T) {
		data, err := Encode(&Message{Src: "n1", Dest: "n2", Body: Body{Payload: &GossipOk{}}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"src":"n1","dest":"n2","body":{"type":"gossip_ok"}}`, string(data))
	})

	t.Run("renders poll pairs as nested arrays", func(t *testing.T) {
		data, err := Encode(&Message{Src: "n1", Dest: "c1", Body: Body{Payload: &PollOk{
			Msgs: map[string][][2]int{"x": {{0, 10}, {1, 11}}},
		}}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"src":"n1","dest":"c1","body":{"type":"poll_ok","msgs":{"x":[[0,10],[1,11]]}}}`, string(data))
	})

	t.Run("renders empty broadcast reads as an empty list", func(t *testing.T) {
		data, err := Encode(&Message{Src: "n1", Dest: "c1", Body: Body{Payload: &MessagesOk{Messages: []int{}}}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"src":"n1","dest":"c1","body":{"type":"read_ok","messages":[]}}`, string(data))
	})

	t.Run("fails without payload", func(t *testing.T) {
		_, err := Encode(&Message{Src: "n1", Dest: "c1"})
		assert.ErrorIs(t, err, ErrMissingPayload)
	})

	t.Run("round trips every registered type", func(t *testing.T) {
		for typ, newPayload := range registry {
			payload := newPayload()
			assert.Equal(t, typ, payload.Type())

			data, err := Encode(&Message{Src: "a", Dest: "b", Body: Body{Payload: payload}})
			require.NoError(t, err, typ)

			decoded, err := Decode(data)
			require.NoError(t, err, typ)
			assert.Equal(t, typ, decoded.Body.Type())
		}
	})
}

func TestError(t *testing.T) {
	t.Run("formats code and text", func(t *testing.T) {
		err := NewError(TemporarilyUnavailable, "offset allocator for %q unavailable", "x")
		assert.Equal(t, `error 11 (TemporarilyUnavailable): offset allocator for "x" unavailable`, err.Error())
	})

	t.Run("is found through wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("send failed: %w", NewError(NotSupported, "nope"))
		assert.True(t, IsCode(wrapped, NotSupported))
		assert.False(t, IsCode(wrapped, Abort))
	})

	t.Run("timeout and crash are indefinite", func(t *testing.T) {
		assert.False(t, Timeout.Definite())
		assert.False(t, Crash.Definite())
		assert.True(t, PreconditionFailed.Definite())
	})
}
