package redis

import (
	"apitracker/src/platform/apperr"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	startupReadyTimeout = 10 * time.Second

	reconnectBaseDelay   = 100 * time.Millisecond
	reconnectMaxDelay    = 3 * time.Second
	reconnectMaxAttempts = 5
)

// ErrUnavailable is returned by every operation while the client is not in
// ready state. Callers must treat it as recoverable.
var ErrUnavailable = apperr.New(apperr.KindKVUnavailable, "kv store unavailable")

// Client maintains two logical connections to the KV store: a writer for
// mutations, atomic scripts and publish, and a reader for plain reads and
// subscriptions. The reader points at a replica when one is configured,
// otherwise it shares the writer's target.
type Client struct {
	logger  zerolog.Logger
	options *ClientOptions

	writer *redis.Client
	reader *redis.Client

	ready        atomic.Bool
	reconnecting atomic.Bool
}

type ClientOptions struct {
	Primary        string
	Replica        string
	SentinelAddrs  []string
	SentinelMaster string
	ClientName     string
	Username       string
	Password       string
	Logger         zerolog.Logger
}

func NewClient(options *ClientOptions) *Client {
	return &Client{
		logger:  options.Logger,
		options: options,
	}
}

func (c *Client) Start(ctx context.Context) error {
	if c.writer != nil {
		return fmt.Errorf("redis client already started")
	}

	c.writer = c.newWriter()
	c.reader = c.newReader()

	readyCtx, cancel := context.WithTimeout(ctx, startupReadyTimeout)
	defer cancel()

	if err := c.writer.Ping(readyCtx).Err(); err != nil {
		return fmt.Errorf("redis writer not ready: %w", err)
	}
	if err := c.reader.Ping(readyCtx).Err(); err != nil {
		return fmt.Errorf("redis reader not ready: %w", err)
	}

	c.ready.Store(true)
	return nil
}

func (c *Client) Stop(_ context.Context) {
	if c.writer == nil {
		c.logger.Warn().Msg("Redis client already stopped")
		return
	}

	c.ready.Store(false)

	if err := c.writer.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close Redis writer")
	}
	if c.reader != c.writer {
		if err := c.reader.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to close Redis reader")
		}
	}
	c.writer = nil
	c.reader = nil
}

// Ready reports whether operations are currently accepted.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// Reconnect re-pings both connections and flips the client back to ready.
// Used after the automatic backoff loop has given up.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.writer == nil {
		return fmt.Errorf("redis client not started")
	}
	if err := c.writer.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis writer still unreachable: %w", err)
	}
	if err := c.reader.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis reader still unreachable: %w", err)
	}
	c.ready.Store(true)
	c.logger.Info().Msg("Redis client reconnected")
	return nil
}

func (c *Client) newWriter() *redis.Client {
	if len(c.options.SentinelAddrs) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    c.options.SentinelMaster,
			SentinelAddrs: c.options.SentinelAddrs,
			ClientName:    c.options.ClientName,
			Username:      c.options.Username,
			Password:      c.options.Password,
		})
	}
	return redis.NewClient(c.clientOptions(c.options.Primary))
}

func (c *Client) newReader() *redis.Client {
	if c.options.Replica == "" {
		return c.writer
	}
	return redis.NewClient(c.clientOptions(c.options.Replica))
}

func (c *Client) clientOptions(addr string) *redis.Options {
	return &redis.Options{
		Addr:                  addr,
		ClientName:            c.options.ClientName,
		Username:              c.options.Username,
		Password:              c.options.Password,
		MaxRetries:            0, // retries are the Retry Harness' job
		ReadTimeout:           2 * time.Second,
		WriteTimeout:          2 * time.Second,
		ContextTimeoutEnabled: true,
		PoolFIFO:              true,
		MinIdleConns:          5,
		MaxIdleConns:          20,
		ConnMaxLifetime:       1 * time.Hour,
	}
}

// markUnhealthy flips the client out of ready state and kicks off the
// background reconnect loop. Only one loop runs at a time.
func (c *Client) markUnhealthy(cause error) {
	if !c.ready.CompareAndSwap(true, false) {
		return
	}
	c.logger.Error().Err(cause).Msg("Redis connection lost, entering reconnect loop")

	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)

	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		delay := reconnectBackoff(attempt)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.writer.Ping(ctx).Err()
		if err == nil {
			err = c.reader.Ping(ctx).Err()
		}
		cancel()

		if err == nil {
			c.ready.Store(true)
			c.logger.Info().Int("attempt", attempt).Msg("Redis reconnected")
			return
		}

		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Redis reconnect attempt failed")
	}

	c.logger.Error().Msgf("Redis reconnect gave up after %d attempts; manual Reconnect required", reconnectMaxAttempts)
}

// reconnectBackoff returns min(100 * 2^(n-1), 3000) ms for the 1-based attempt.
func reconnectBackoff(attempt int) time.Duration {
	delay := reconnectBaseDelay << uint(attempt-1)
	if delay > reconnectMaxDelay || delay <= 0 {
		return reconnectMaxDelay
	}
	return delay
}
