package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when a body carries a type this node does not speak
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingPayload is returned when encoding a body without a payload
	ErrMissingPayload = errors.New("missing payload")
)

// Message is the envelope exchanged with the harness, one JSON object per line.
type Message struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body Body   `json:"body"`
}

// Body holds the protocol header fields and the typed payload.
// On the wire the header and payload fields share one flat object.
type Body struct {
	MsgID     *int
	InReplyTo *int
	Payload   Payload
}

// Type returns the wire type of the body's payload.
func (b Body) Type() string {
	if b.Payload == nil {
		return ""
	}
	return b.Payload.Type()
}

type header struct {
	Type      string `json:"type"`
	MsgID     *int   `json:"msg_id,omitempty"`
	InReplyTo *int   `json:"in_reply_to,omitempty"`
}

// MarshalJSON flattens the header and payload fields into one object.
func (b Body) MarshalJSON() ([]byte, error) {
	if b.Payload == nil {
		return nil, ErrMissingPayload
	}

	raw, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", b.Payload.Type(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload %s is not an object: %w", b.Payload.Type(), err)
	}

	head, err := json.Marshal(header{Type: b.Payload.Type(), MsgID: b.MsgID, InReplyTo: b.InReplyTo})
	if err != nil {
		return nil, err
	}
	headFields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(head, &headFields); err != nil {
		return nil, err
	}
	for k, v := range headFields {
		fields[k] = v
	}

	return json.Marshal(fields)
}

// UnmarshalJSON reads the header and decodes the payload registered for its type.
func (b *Body) UnmarshalJSON(data []byte) error {
	var head header
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode body header: %w", err)
	}

	newPayload, ok := registry[head.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	payload := newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", head.Type, err)
	}

	b.MsgID = head.MsgID
	b.InReplyTo = head.InReplyTo
	b.Payload = payload
	return nil
}

// Decode parses a single line into a Message.
func Decode(line []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode renders a Message as a single line without the trailing newline.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// IntPtr is a small helper for the optional header fields.
func IntPtr(v int) *int {
	return &v
}
