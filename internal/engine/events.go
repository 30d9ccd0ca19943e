package engine

import (
	"log"
	"sync"
	"time"

	"tradedesk/internal/confirm"
	"tradedesk/internal/model"
)

// EventKind names what changed.
type EventKind string

const (
	EventOrder      EventKind = "order"
	EventTrade      EventKind = "trade"
	EventProposal   EventKind = "proposal"
	EventInstrument EventKind = "instrument"
)

// Event is one engine state change. Exactly one payload field is set.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Order      *model.Order      `json:"order,omitempty"`
	Trade      *model.Trade      `json:"trade,omitempty"`
	Proposal   *confirm.Proposal `json:"proposal,omitempty"`
	Instrument *model.Instrument `json:"instrument,omitempty"`
	Time       time.Time         `json:"ts"`
}

// FanOut broadcasts events to N subscriber channels. If a subscriber's
// channel is full the event is dropped for that subscriber so a slow
// consumer never blocks order flow.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan Event
	bufSize int
	closed  bool

	// OnDrop is called when an event is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int, ev Event)
}

// NewFanOut creates a FanOut with the given buffer size for output channels.
func NewFanOut(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel. After Close it
// returns a closed channel.
func (f *FanOut) Subscribe() <-chan Event {
	ch := make(chan Event, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.outputs = append(f.outputs, ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (f *FanOut) Unsubscribe(ch <-chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, out := range f.outputs {
		if out == ch {
			close(out)
			f.outputs = append(f.outputs[:i], f.outputs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (f *FanOut) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for i, ch := range f.outputs {
		select {
		case ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i, ev)
			} else {
				log.Printf("[events] subscriber %d full, dropping %s event", i, ev.Kind)
			}
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.outputs {
		close(ch)
	}
	f.outputs = nil
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns (length, capacity) for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
