package interop

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"tradedesk/internal/breaker"
	redisstore "tradedesk/internal/store/redis"
)

// InboundChannel is the channel suffix other applications publish
// instrument selections on.
const InboundChannel = "inbound"

// RedisBus publishes each context on "<prefix>:<kind>" through a
// breaker-guarded, buffering publisher.
type RedisBus struct {
	sink   redisstore.Sink
	store  *redisstore.Publisher
	prefix string
}

// NewRedisBus wires a Redis publisher behind cb.
func NewRedisBus(ctx context.Context, store *redisstore.Publisher, cb *breaker.CircuitBreaker, prefix string) *RedisBus {
	bus := newRedisBus(redisstore.NewBufferedPublisher(ctx, store, cb, 0), prefix)
	bus.store = store
	return bus
}

func newRedisBus(sink redisstore.Sink, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "desk"
	}
	return &RedisBus{sink: sink, prefix: prefix}
}

// Name implements Bus.
func (b *RedisBus) Name() string { return "redis" }

// Channel returns the pub/sub channel for a kind.
func (b *RedisBus) Channel(kind string) string { return b.prefix + ":" + kind }

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, c Context) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.ContextType(), err)
	}
	return b.sink.Publish(ctx, b.Channel(Kind(c)), data)
}

// ListenSelections calls fn for every fdc3.instrument context published on
// the inbound channel until ctx is done. Other message types are ignored.
func (b *RedisBus) ListenSelections(ctx context.Context, fn func(Instrument)) error {
	if b.store == nil {
		return fmt.Errorf("redis bus has no subscriber")
	}
	return b.store.Subscribe(ctx, b.Channel(InboundChannel), func(payload []byte) {
		if inst, ok := decodeSelection(payload); ok {
			fn(inst)
		}
	})
}

func decodeSelection(payload []byte) (Instrument, bool) {
	var inst Instrument
	if err := json.Unmarshal(payload, &inst); err != nil {
		log.Printf("[interop] inbound: bad payload: %v", err)
		return Instrument{}, false
	}
	if inst.Type != TypeInstrument || inst.ID.Ticker == "" {
		return Instrument{}, false
	}
	return inst, true
}
