package redis

import (
	"context"
	"fmt"
	"log"
)

// Subscribe listens on channel and calls fn for every message until ctx is
// done. It returns an error only if the subscription cannot be confirmed.
func (p *Publisher) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error {
	pubsub := p.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	defer pubsub.Close()

	log.Printf("[redis] subscribed to %s", channel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(msg.Payload))
		}
	}
}
