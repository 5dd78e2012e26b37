package node

import (
	"sync"

	"maelstrom-nodes/internal/protocol"
)

// event is one unit of work for the node's event loop
type event interface{}

type inboundEvent struct {
	msg *protocol.Message
}

type tickEvent struct {
	name string
}

// mailbox is an unbounded FIFO. Producers never block, so the input reader
// keeps routing RPC replies while the event loop is busy.
type mailbox struct {
	mu     sync.Mutex
	events []event
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) push(e event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far, oldest first
func (b *mailbox) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}
