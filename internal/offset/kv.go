package offset

import (
	"context"
	"fmt"

	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/protocol"
)

// RPCClient is the part of the node runtime the KV allocator needs
type RPCClient interface {
	RPC(ctx context.Context, dest string, payload protocol.Payload) (*protocol.Message, error)
}

// KV allocates offsets from a linearizable key-value service reachable over
// the harness network, such as lin-kv. Each key has a counter holding the
// next free offset, advanced with compare-and-set.
type KV struct {
	rpc         RPCClient
	service     string
	maxAttempts int
	logger      logging.Logger
}

// NewKV creates an allocator talking to service through rpc
func NewKV(rpc RPCClient, service string, maxAttempts int, logger logging.Logger) *KV {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &KV{rpc: rpc, service: service, maxAttempts: maxAttempts, logger: logger}
}

// Next reads the counter and swaps it to the following value. A lost race is
// retried up to maxAttempts times.
func (a *KV) Next(ctx context.Context, key string) (int, error) {
	ck := counterKey(key)

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		current, err := a.read(ctx, ck)
		if err != nil {
			return 0, err
		}

		_, err = a.rpc.RPC(ctx, a.service, &protocol.Cas{
			Key:               ck,
			From:              current,
			To:                current + 1,
			CreateIfNotExists: true,
		})
		if err == nil {
			return current, nil
		}
		if protocol.IsCode(err, protocol.PreconditionFailed) || protocol.IsCode(err, protocol.KeyDoesNotExist) {
			a.logger.Debugf("[Offset] Lost race on %s at %d (attempt %d)", ck, current, attempt)
			continue
		}
		return 0, fmt.Errorf("%w: cas %s: %w", ErrUnavailable, ck, err)
	}

	return 0, fmt.Errorf("%w: %d compare-and-set attempts on %s lost", ErrUnavailable, a.maxAttempts, ck)
}

func (a *KV) read(ctx context.Context, ck string) (int, error) {
	reply, err := a.rpc.RPC(ctx, a.service, &protocol.Read{Key: ck})
	if protocol.IsCode(err, protocol.KeyDoesNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", ErrUnavailable, ck, err)
	}

	readOk, ok := reply.Body.Payload.(*protocol.ReadOk)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected %s reply to read %s", ErrCorrupt, reply.Body.Type(), ck)
	}
	return readOk.Value, nil
}
