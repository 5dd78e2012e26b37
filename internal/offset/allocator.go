package offset

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnavailable is returned when the counter backing an allocator cannot be
	// reached or keeps losing races. Callers may retry.
	ErrUnavailable = errors.New("offset allocator unavailable")
	// ErrCorrupt is returned when a stored counter cannot be parsed
	ErrCorrupt = errors.New("offset counter corrupt")
)

// Allocator hands out cluster-global offsets per key.
// Offsets for a key start at 0 and strictly increase.
type Allocator interface {
	// Next atomically reserves the next offset for key
	Next(ctx context.Context, key string) (int, error)
}

// counterKey is the name of the counter backing key in a shared store
func counterKey(key string) string {
	return key + "::offset"
}

// Memory is a process-local Allocator. Offsets are only unique within one
// process, so it suits single-node clusters and tests.
type Memory struct {
	mu   sync.Mutex
	next map[string]int
}

// NewMemory creates an empty in-process allocator
func NewMemory() *Memory {
	return &Memory{next: make(map[string]int)}
}

// Next returns the next offset for key
func (m *Memory) Next(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := m.next[key]
	m.next[key] = offset + 1
	return offset, nil
}
