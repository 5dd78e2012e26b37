package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/protocol"
)

// maxLineSize bounds a single protocol line; gossip batches can be large
const maxLineSize = 16 << 20

var (
	// ErrNotStarted is returned when sending on a transport that was never started
	ErrNotStarted = errors.New("transport not started")
	// ErrStopped is returned when sending on a stopped transport
	ErrStopped = errors.New("transport stopped")
)

// Transport moves protocol messages between this node and the harness
type Transport interface {
	// Start begins reading incoming messages
	Start() error
	// Stop shuts down the transport
	Stop() error
	// SendMessage writes a message addressed by its Dest field
	SendMessage(msg *protocol.Message) error
	// SetMessageHandler sets the handler for incoming messages
	SetMessageHandler(handler func(*protocol.Message))
	// Done is closed once no further messages will be delivered
	Done() <-chan struct{}
	// Err reports why the transport finished; nil after a clean end of input
	Err() error
}

// StdioTransport implements Transport over newline-delimited JSON streams,
// normally the process's stdin and stdout.
type StdioTransport struct {
	in             io.Reader
	out            io.Writer
	writeMu        sync.Mutex
	messageHandler func(*protocol.Message)
	mu             sync.RWMutex
	started        bool
	shutdownCh     chan struct{}
	doneCh         chan struct{}
	stopOnce       sync.Once
	doneOnce       sync.Once
	err            error
	logger         logging.Logger
}

// NewStdioTransport creates a transport reading lines from in and writing lines to out
func NewStdioTransport(in io.Reader, out io.Writer, logger logging.Logger) *StdioTransport {
	if logger == nil {
		logger = logging.Nop()
	}
	return &StdioTransport{
		in:         in,
		out:        out,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}
}

// Start begins reading lines in the background
func (t *StdioTransport) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport already started")
	}
	t.started = true
	t.mu.Unlock()

	go t.listen()

	t.logger.Debugf("[Transport] Started stdio transport")
	return nil
}

// Stop stops delivering messages. A read blocked on the input is abandoned.
func (t *StdioTransport) Stop() error {
	t.stopOnce.Do(func() {
		close(t.shutdownCh)
		t.finish(nil)
	})
	t.logger.Debugf("[Transport] Stopped stdio transport")
	return nil
}

// Done is closed once the input ends, fails, or the transport is stopped
func (t *StdioTransport) Done() <-chan struct{} {
	return t.doneCh
}

// Err returns the fatal read or decode error, if any
func (t *StdioTransport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *StdioTransport) finish(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.doneCh)
	})
}

// listen decodes one message per line until the input ends.
// Any malformed line is fatal.
func (t *StdioTransport) listen() {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			t.logger.Errorf("[Transport] Malformed message %q: %v", line, err)
			t.finish(fmt.Errorf("failed to decode message: %w", err))
			return
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		t.finish(fmt.Errorf("failed to read input: %w", err))
		return
	}
	t.finish(nil)
}

// SendMessage writes msg as one line. Concurrent sends never interleave.
func (t *StdioTransport) SendMessage(msg *protocol.Message) error {
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case <-t.shutdownCh:
		return ErrStopped
	default:
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SetMessageHandler sets the handler for incoming messages
func (t *StdioTransport) SetMessageHandler(handler func(*protocol.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
