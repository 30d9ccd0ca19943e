package interop

import (
	"context"
	"sync"
)

// Bus delivers context messages to external listeners.
type Bus interface {
	Publish(ctx context.Context, c Context) error
	Name() string
}

// MemoryBus records every published context. It is the test double and the
// bus used when no external transport is configured.
type MemoryBus struct {
	mu   sync.Mutex
	msgs []Context
	err  error
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Name implements Bus.
func (b *MemoryBus) Name() string { return "memory" }

// Inline implements InlineBus.
func (b *MemoryBus) Inline() bool { return true }

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, c Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, c)
	return nil
}

// FailWith makes subsequent publishes return err. nil restores delivery.
func (b *MemoryBus) FailWith(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Published returns a copy of everything delivered so far.
func (b *MemoryBus) Published() []Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Context(nil), b.msgs...)
}

// Last returns the most recent context whose Kind is kind.
func (b *MemoryBus) Last(kind string) (Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if Kind(b.msgs[i]) == kind {
			return b.msgs[i], true
		}
	}
	return nil, false
}

// Reset clears the recorded messages.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	b.msgs = nil
	b.mu.Unlock()
}
