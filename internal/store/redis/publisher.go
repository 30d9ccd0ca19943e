// Package redis carries interop context messages over Redis: pub/sub for
// live listeners, a capped stream for late joiners and a latest-value key
// per channel.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStreamMaxLen = 1000
	defaultLatestTTL    = 30 * time.Minute
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	StreamMaxLen int64         // entries kept per channel stream
	LatestTTL    time.Duration // expiry of the latest-value key
}

// Publisher writes context messages to Redis.
type Publisher struct {
	client    *goredis.Client
	maxLen    int64
	latestTTL time.Duration
}

// New connects to Redis and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	p := &Publisher{client: client, maxLen: cfg.StreamMaxLen, latestTTL: cfg.LatestTTL}
	if p.maxLen <= 0 {
		p.maxLen = defaultStreamMaxLen
	}
	if p.latestTTL <= 0 {
		p.latestTTL = defaultLatestTTL
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Publish sends payload on channel in one pipeline: SET latest, XADD to
// the channel's stream, PUBLISH.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	data := string(payload)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, latestKey(channel), data, p.latestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Publish(ctx, channel, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Latest returns the last payload published on channel, or nil if none.
func (p *Publisher) Latest(ctx context.Context, channel string) ([]byte, error) {
	v, err := p.client.Get(ctx, latestKey(channel)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", latestKey(channel), err)
	}
	return v, nil
}

// Recent returns up to n payloads from the channel's stream, newest first.
func (p *Publisher) Recent(ctx context.Context, channel string, n int64) ([][]byte, error) {
	msgs, err := p.client.XRevRangeN(ctx, streamKey(channel), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", streamKey(channel), err)
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		if s, ok := m.Values["data"].(string); ok {
			out = append(out, []byte(s))
		}
	}
	return out, nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func latestKey(channel string) string { return channel + ":latest" }
func streamKey(channel string) string { return channel + ":log" }
