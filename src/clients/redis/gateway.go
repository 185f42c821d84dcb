package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Typed operations over the KV store. Every operation fails with
// ErrUnavailable while the client is not ready; network-class failures flip
// the client out of ready state and trigger the reconnect loop.

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if !c.ready.Load() {
		return "", false, ErrUnavailable
	}

	value, err := c.reader.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		c.observeError(err)
		return "", false, fmt.Errorf("kv get '%s' failed: %w", key, err)
	}
	return value, true, nil
}

// Set stores the value; ttl of zero means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !c.ready.Load() {
		return ErrUnavailable
	}

	if err := c.writer.Set(ctx, key, value, ttl).Err(); err != nil {
		c.observeError(err)
		return fmt.Errorf("kv set '%s' failed: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.ready.Load() {
		return ErrUnavailable
	}

	if err := c.writer.Del(ctx, keys...).Err(); err != nil {
		c.observeError(err)
		return fmt.Errorf("kv del failed: %w", err)
	}
	return nil
}

func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if !c.ready.Load() {
		return 0, ErrUnavailable
	}

	value, err := c.writer.IncrBy(ctx, key, delta).Result()
	if err != nil {
		c.observeError(err)
		return 0, fmt.Errorf("kv incrby '%s' failed: %w", key, err)
	}
	return value, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !c.ready.Load() {
		return ErrUnavailable
	}

	if err := c.writer.Expire(ctx, key, ttl).Err(); err != nil {
		c.observeError(err)
		return fmt.Errorf("kv expire '%s' failed: %w", key, err)
	}
	return nil
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !c.ready.Load() {
		return nil, ErrUnavailable
	}

	keys, err := c.reader.Keys(ctx, pattern).Result()
	if err != nil {
		c.observeError(err)
		return nil, fmt.Errorf("kv keys '%s' failed: %w", pattern, err)
	}
	return keys, nil
}

// EvalAtomic runs a Lua script on the writer. go-redis caches the script by
// SHA and falls back to EVAL transparently, so repeated calls cost one RTT.
func (c *Client) EvalAtomic(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	if !c.ready.Load() {
		return nil, ErrUnavailable
	}

	result, err := script.Run(ctx, c.writer, keys, args...).Result()
	if err != nil {
		c.observeError(err)
		return nil, fmt.Errorf("kv script eval failed: %w", err)
	}
	return result, nil
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if !c.ready.Load() {
		return ErrUnavailable
	}

	if err := c.writer.Publish(ctx, channel, payload).Err(); err != nil {
		c.observeError(err)
		return fmt.Errorf("kv publish to '%s' failed: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection on the reader and dispatches
// every message payload to the handler in order. The returned cancel function
// closes the subscription and stops the dispatch goroutine.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	if !c.ready.Load() {
		return nil, ErrUnavailable
	}

	pubsub := c.reader.Subscribe(ctx, channel)

	// Force the subscription onto the wire before declaring success.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		c.observeError(err)
		return nil, fmt.Errorf("kv subscribe to '%s' failed: %w", channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			c.logger.Warn().Err(err).Msgf("failed to close subscription to '%s'", channel)
		}
	}
	return cancel, nil
}

// observeError flips the client into reconnecting state on network-class
// failures. Script errors, wrong-type errors and the like keep the
// connection healthy.
func (c *Client) observeError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// Server replied, connection is fine.
		return
	}

	c.markUnhealthy(err)
}
