package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/protocol"
	"maelstrom-nodes/internal/telemetry"
	"maelstrom-nodes/internal/transport"
)

var (
	// ErrInvalidConfig is returned when the node configuration is invalid
	ErrInvalidConfig = errors.New("invalid node configuration")
	// ErrNotInitialized is returned when the membership is needed before init arrived
	ErrNotInitialized = errors.New("node not initialized")
)

// job is a periodic tick registered by a handler
type job struct {
	name     string
	interval time.Duration
}

// Node runs a Handler on a single event loop. Inbound messages and timer
// ticks are funneled through one mailbox, so handler state needs no locks.
// RPC replies bypass the mailbox and go straight to the waiting caller.
type Node struct {
	config     *Config
	transport  transport.Transport
	handler    Handler
	box        *mailbox
	nextMsgID  atomic.Int64
	pendingMu  sync.Mutex
	pending    map[int]chan *protocol.Message
	jobs       []job
	jobsMu     sync.Mutex
	membership atomic.Pointer[Membership]
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a node for handler on top of t
func New(config *Config, t transport.Transport, handler Handler) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if t == nil || handler == nil {
		return nil, fmt.Errorf("%w: transport and handler are required", ErrInvalidConfig)
	}

	n := &Node{
		config:    config,
		transport: t,
		handler:   handler,
		box:       newMailbox(),
		pending:   make(map[int]chan *protocol.Message),
		stopCh:    make(chan struct{}),
	}
	t.SetMessageHandler(n.receive)
	return n, nil
}

func validateConfig(config *Config) error {
	if config.Workload == "" {
		return fmt.Errorf("%w: Workload is required", ErrInvalidConfig)
	}
	if config.RPCTimeout <= 0 {
		return fmt.Errorf("%w: RPCTimeout must be positive", ErrInvalidConfig)
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	return nil
}

// Run starts the transport and processes events until ctx is cancelled, the
// input ends, or a handler fails. Events already queued when the input ends
// are still processed.
func (n *Node) Run(ctx context.Context) error {
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer n.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.box.ready:
			if err := n.process(ctx); err != nil {
				return err
			}
		case <-n.transport.Done():
			if err := n.process(ctx); err != nil {
				return err
			}
			return n.transport.Err()
		}
	}
}

func (n *Node) stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		if err := n.transport.Stop(); err != nil {
			n.config.Logger.Errorf("[Node] Error stopping transport: %v", err)
		}
	})
}

func (n *Node) process(ctx context.Context) error {
	events := n.box.drain()
	telemetry.MailboxDepth.WithLabelValues(n.config.Workload).Set(float64(len(events)))

	for _, ev := range events {
		var err error
		switch e := ev.(type) {
		case inboundEvent:
			err = n.handleMessage(ctx, e.msg)
		case tickEvent:
			err = n.handleTick(ctx, e.name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// receive runs on the transport's reader
func (n *Node) receive(msg *protocol.Message) {
	if irt := msg.Body.InReplyTo; irt != nil {
		n.pendingMu.Lock()
		ch, ok := n.pending[*irt]
		if ok {
			delete(n.pending, *irt)
		}
		n.pendingMu.Unlock()

		if ok {
			ch <- msg
			return
		}
	}
	n.box.push(inboundEvent{msg: msg})
}

func (n *Node) handleMessage(ctx context.Context, msg *protocol.Message) error {
	start := n.config.Clock.Now()
	msgType := msg.Body.Type()

	var err error
	if init, ok := msg.Body.Payload.(*protocol.Init); ok {
		err = n.handleInit(msg, init)
	} else if n.membership.Load() == nil {
		err = protocol.NewError(protocol.TemporarilyUnavailable, "node not initialized")
	} else {
		err = n.handler.Handle(ctx, msg)
	}

	elapsed := n.config.Clock.Since(start)
	if err == nil {
		telemetry.ObserveRequest(n.config.Workload, msgType, telemetry.OutcomeOK, elapsed)
		return nil
	}

	var perr *protocol.Error
	if errors.As(err, &perr) {
		telemetry.ObserveRequest(n.config.Workload, msgType, telemetry.OutcomeError, elapsed)
		n.config.Logger.Warnf("[Node] %s from %s failed: %v", msgType, msg.Src, perr)
		if replyErr := n.Reply(msg, perr); replyErr != nil {
			return fmt.Errorf("failed to reply to %s from %s: %w", msgType, msg.Src, replyErr)
		}
		return nil
	}

	telemetry.ObserveRequest(n.config.Workload, msgType, telemetry.OutcomeFatal, elapsed)
	n.config.Logger.Errorf("[Node] Fatal error handling %s from %s: %v", msgType, msg.Src, err)
	return fmt.Errorf("handling %s from %s: %w", msgType, msg.Src, err)
}

func (n *Node) handleInit(msg *protocol.Message, init *protocol.Init) error {
	if n.membership.Load() != nil {
		return protocol.NewError(protocol.MalformedRequest, "node %s already initialized", n.ID())
	}

	membership, err := NewMembership(init.NodeID, init.NodeIDs)
	if err != nil {
		return err
	}
	n.membership.Store(&membership)

	if err := n.handler.Init(n); err != nil {
		return fmt.Errorf("failed to initialize %s handler: %w", n.config.Workload, err)
	}
	n.startJobs()

	n.config.Logger.Infof("[Node] Initialized %s as %s in cluster %v", n.config.Workload, membership.Self, membership.Cluster)
	return n.Reply(msg, &protocol.InitOk{})
}

func (n *Node) handleTick(ctx context.Context, name string) error {
	telemetry.TicksTotal.WithLabelValues(n.config.Workload, name).Inc()
	if err := n.handler.Tick(ctx, name); err != nil {
		n.config.Logger.Errorf("[Node] Fatal error on %s tick: %v", name, err)
		return fmt.Errorf("%s tick: %w", name, err)
	}
	return nil
}

// Every registers a tick named name, delivered to Handler.Tick every interval.
// Ticks start once Handler.Init returns.
func (n *Node) Every(name string, interval time.Duration) {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	n.jobs = append(n.jobs, job{name: name, interval: interval})
}

// startJobs creates every ticker before returning, so a mock clock advanced
// right after init always fires them
func (n *Node) startJobs() {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()

	for _, j := range n.jobs {
		ticker := n.config.Clock.Ticker(j.interval)
		n.wg.Add(1)
		go n.runJob(j.name, ticker)
	}
}

func (n *Node) runJob(name string, ticker *clock.Ticker) {
	defer n.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.box.push(tickEvent{name: name})
		case <-n.stopCh:
			return
		}
	}
}

// ID returns the local node id, or "" before init
func (n *Node) ID() string {
	if m := n.membership.Load(); m != nil {
		return m.Self
	}
	return ""
}

// Membership returns the cluster view. It fails before init.
func (n *Node) Membership() (Membership, error) {
	m := n.membership.Load()
	if m == nil {
		return Membership{}, ErrNotInitialized
	}
	return *m, nil
}

// Clock returns the clock driving this node's ticks
func (n *Node) Clock() clock.Clock {
	return n.config.Clock
}

// Logger returns the node's logger
func (n *Node) Logger() logging.Logger {
	return n.config.Logger
}

func (n *Node) newMsgID() int {
	return int(n.nextMsgID.Add(1))
}

// Reply answers req with payload. Requests without a msg_id get no reply.
func (n *Node) Reply(req *protocol.Message, payload protocol.Payload) error {
	if req.Body.MsgID == nil {
		return nil
	}
	inReplyTo := *req.Body.MsgID
	return n.transport.SendMessage(&protocol.Message{
		Src:  n.ID(),
		Dest: req.Src,
		Body: protocol.Body{MsgID: protocol.IntPtr(n.newMsgID()), InReplyTo: &inReplyTo, Payload: payload},
	})
}

// Send delivers payload to dest without waiting for a reply and returns the
// msg_id it was sent with. A reply, if any, arrives as a regular message.
func (n *Node) Send(dest string, payload protocol.Payload) (int, error) {
	msgID := n.newMsgID()
	err := n.transport.SendMessage(&protocol.Message{
		Src:  n.ID(),
		Dest: dest,
		Body: protocol.Body{MsgID: protocol.IntPtr(msgID), Payload: payload},
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// RPC sends payload to dest and waits for the matching reply. An error reply
// is returned as a *protocol.Error. Without a deadline on ctx, the configured
// RPCTimeout applies.
func (n *Node) RPC(ctx context.Context, dest string, payload protocol.Payload) (*protocol.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.RPCTimeout)
		defer cancel()
	}

	msgID := n.newMsgID()
	replyCh := make(chan *protocol.Message, 1)

	n.pendingMu.Lock()
	n.pending[msgID] = replyCh
	n.pendingMu.Unlock()

	forget := func() {
		n.pendingMu.Lock()
		delete(n.pending, msgID)
		n.pendingMu.Unlock()
	}

	err := n.transport.SendMessage(&protocol.Message{
		Src:  n.ID(),
		Dest: dest,
		Body: protocol.Body{MsgID: protocol.IntPtr(msgID), Payload: payload},
	})
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s to %s: %w", payload.Type(), dest, err)
	}

	select {
	case reply := <-replyCh:
		if perr, ok := reply.Body.Payload.(*protocol.Error); ok {
			return reply, perr
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s to %s: %w", payload.Type(), dest, ctx.Err())
	}
}
