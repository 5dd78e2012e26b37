package transport

import (
	"sync"

	"maelstrom-nodes/internal/protocol"
)

// Network connects in-process transports by node id. Messages addressed to
// an id with no attached transport are kept in an outbox, which is how tests
// observe replies to clients.
type Network struct {
	mu      sync.RWMutex
	members map[string]*MemoryTransport
	outbox  []*protocol.Message
	blocked map[string]bool
}

// NewNetwork creates an empty in-process network
func NewNetwork() *Network {
	return &Network{
		members: make(map[string]*MemoryTransport),
		blocked: make(map[string]bool),
	}
}

// Join attaches a new transport for id
func (n *Network) Join(id string) *MemoryTransport {
	t := &MemoryTransport{
		id:      id,
		network: n,
		doneCh:  make(chan struct{}),
	}
	n.mu.Lock()
	n.members[id] = t
	n.mu.Unlock()
	return t
}

// Inject delivers msg as if it came from outside the network
func (n *Network) Inject(msg *protocol.Message) {
	n.route(msg)
}

// Outbox returns a copy of messages sent to ids outside the network
func (n *Network) Outbox() []*protocol.Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	result := make([]*protocol.Message, len(n.outbox))
	copy(result, n.outbox)
	return result
}

// Block drops every message addressed to id until Unblock is called
func (n *Network) Block(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[id] = true
}

// Unblock resumes delivery to id
func (n *Network) Unblock(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, id)
}

func (n *Network) route(msg *protocol.Message) {
	n.mu.Lock()
	if n.blocked[msg.Dest] {
		n.mu.Unlock()
		return
	}
	target, ok := n.members[msg.Dest]
	if !ok {
		n.outbox = append(n.outbox, msg)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	target.deliver(msg)
}

// MemoryTransport implements Transport on a Network
type MemoryTransport struct {
	id             string
	network        *Network
	mu             sync.RWMutex
	messageHandler func(*protocol.Message)
	started        bool
	stopped        bool
	backlog        []*protocol.Message
	doneCh         chan struct{}
	stopOnce       sync.Once
}

// Start enables delivery and hands over messages that arrived before it
func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	t.started = true
	backlog := t.backlog
	t.backlog = nil
	handler := t.messageHandler
	t.mu.Unlock()

	if handler != nil {
		for _, msg := range backlog {
			handler(msg)
		}
	}
	return nil
}

// Stop disables delivery and closes Done
func (t *MemoryTransport) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		close(t.doneCh)
	})
	return nil
}

// SendMessage routes msg to its destination on the network
func (t *MemoryTransport) SendMessage(msg *protocol.Message) error {
	t.mu.RLock()
	started, stopped := t.started, t.stopped
	t.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	if stopped {
		return ErrStopped
	}

	// Round trip through the codec so receivers never share memory with senders
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	copied, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	t.network.route(copied)
	return nil
}

// SetMessageHandler sets the handler for incoming messages
func (t *MemoryTransport) SetMessageHandler(handler func(*protocol.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// Done is closed by Stop
func (t *MemoryTransport) Done() <-chan struct{} {
	return t.doneCh
}

// Err is always nil; an in-process network has no read failures
func (t *MemoryTransport) Err() error {
	return nil
}

func (t *MemoryTransport) deliver(msg *protocol.Message) {
	t.mu.Lock()
	if !t.started && !t.stopped {
		t.backlog = append(t.backlog, msg)
		t.mu.Unlock()
		return
	}
	handler := t.messageHandler
	active := t.started && !t.stopped
	t.mu.Unlock()

	if active && handler != nil {
		handler(msg)
	}
}
