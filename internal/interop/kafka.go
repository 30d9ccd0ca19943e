package interop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"tradedesk/internal/breaker"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus appends selected context kinds to a Kafka topic for the
// downstream analysis process. By default only portfolio.summary and
// fdc3.trade are forwarded; full snapshots stay on the interactive buses.
type KafkaBus struct {
	w     messageWriter
	cb    *breaker.CircuitBreaker
	kinds map[string]bool
	now   func() time.Time
}

// NewKafkaWriter builds the topic writer.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaBus wraps w behind cb. kinds overrides the forwarded kinds.
func NewKafkaBus(w *kafka.Writer, cb *breaker.CircuitBreaker, kinds ...string) *KafkaBus {
	return newKafkaBus(w, cb, kinds...)
}

func newKafkaBus(w messageWriter, cb *breaker.CircuitBreaker, kinds ...string) *KafkaBus {
	if len(kinds) == 0 {
		kinds = []string{TypeSummary, TypeTrade}
	}
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &KafkaBus{w: w, cb: cb, kinds: set, now: time.Now}
}

// Name implements Bus.
func (b *KafkaBus) Name() string { return "kafka" }

// Publish implements Bus. Kinds outside the forward set are skipped.
func (b *KafkaBus) Publish(ctx context.Context, c Context) error {
	kind := Kind(c)
	if !b.kinds[kind] {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:     []byte(kind),
		Value:   data,
		Time:    b.now(),
		Headers: []kafka.Header{{Key: "type", Value: []byte(c.ContextType())}},
	}
	return b.cb.Execute(func() error {
		return b.w.WriteMessages(ctx, msg)
	})
}

// Close flushes and closes the writer.
func (b *KafkaBus) Close() error {
	return b.w.Close()
}
