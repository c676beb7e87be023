// Package redis wraps go-redis with the publish/subscribe and
// hash-field primitives pixelpipe uses as its cross-process backing
// store: the broadcast hub's multi-process fan-out (see
// pkg/broadcast.Relay) and per-slave connectivity status published by
// the slave gateway.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client represents a Redis client with publish/subscribe capabilities
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis client
func New(addr string, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// WriteAndPublishString writes a string value to Redis and publishes it
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// Subscribe subscribes to a Redis channel and returns a channel for messages
func (c *Client) Subscribe(channel string) (<-chan *redis.Message, func()) {
	pubsub := c.client.Subscribe(c.ctx, channel)
	ch := pubsub.Channel()
	return ch, func() { pubsub.Close() }
}

// SubscribeBytes adapts Subscribe to the plain []byte channel shape
// pkg/broadcast.Relay depends on, so that package need not import
// go-redis's message type.
func (c *Client) SubscribeBytes(channel string) (<-chan []byte, func()) {
	raw, unsub := c.Subscribe(channel)
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range raw {
			out <- []byte(msg.Payload)
		}
	}()
	return out, unsub
}

// Publish publishes a message to a Redis channel
func (c *Client) Publish(channel string, message string) error {
	return c.client.Publish(c.ctx, channel, message).Err()
}

// HDel deletes a field from a hash in Redis
func (c *Client) HDel(key, field string) (int64, error) {
	return c.client.HDel(c.ctx, key, field).Result()
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	return c.client.Close()
}
