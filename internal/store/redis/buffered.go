package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"tradedesk/internal/breaker"
)

// Sink is the write side BufferedPublisher guards. *Publisher satisfies it.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type pendingMessage struct {
	channel string
	payload []byte
}

// BufferedPublisher routes publishes through a circuit breaker. While the
// breaker is open, messages are held locally (oldest dropped past maxBuf)
// and replayed in order once it closes.
type BufferedPublisher struct {
	sink Sink
	cb   *breaker.CircuitBreaker
	ctx  context.Context

	mu     sync.Mutex
	buffer []pendingMessage
	maxBuf int

	OnBuffer func()          // a message was buffered
	OnFlush  func(count int) // buffered messages were replayed
}

// NewBufferedPublisher wraps sink with cb. ctx bounds replays.
func NewBufferedPublisher(ctx context.Context, sink Sink, cb *breaker.CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 1000
	}
	bp := &BufferedPublisher{
		sink:   sink,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingMessage, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to breaker.State) {
		if prev != nil {
			prev(from, to)
		}
		if to == breaker.StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// Publish sends the message or buffers it while the breaker is open.
// Buffered messages report success.
func (bp *BufferedPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	err := bp.cb.Execute(func() error {
		return bp.sink.Publish(ctx, channel, payload)
	})
	if errors.Is(err, breaker.ErrOpen) {
		bp.bufferMessage(channel, payload)
		return nil
	}
	return err
}

func (bp *BufferedPublisher) bufferMessage(channel string, payload []byte) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	bp.buffer = append(bp.buffer, pendingMessage{channel: channel, payload: cp})

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.buffer
	bp.buffer = make([]pendingMessage, 0, 64)
	bp.mu.Unlock()

	flushed := 0
	for _, m := range toFlush {
		if err := bp.sink.Publish(bp.ctx, m.channel, m.payload); err != nil {
			log.Printf("[redis] replay to %s failed: %v", m.channel, err)
			continue
		}
		flushed++
	}

	log.Printf("[redis] flushed %d/%d buffered messages", flushed, len(toFlush))
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of messages waiting for replay.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
