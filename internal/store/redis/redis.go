// Package redis is the optional fan-out layer: snapshot updates are
// published over pub/sub for external consumers, and order
// idempotency keys are reserved with SET NX + TTL. The service runs
// fine without it; callers treat a nil *Client as "redis disabled".
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	updatesChannel = "pub:tracker:updates"

	// Idempotency keys outlive the order flow by an hour; replays
	// after that are treated as new requests.
	idempotencyTTL = time.Hour

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// Config configures the Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a Redis connection for update publishing and order
// idempotency.
type Client struct {
	client  *goredis.Client
	breaker *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (c *Client) Client() *goredis.Client { return c.client }

// New creates a Redis client and pings the server.
func New(cfg Config) (*Client, error) {
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

	breaker := NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout)
	breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] publish breaker %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Client{client: client, breaker: breaker}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// PublishUpdate publishes one update envelope. Failures are logged
// and swallowed; pub/sub is best-effort fan-out, not durable state.
func (c *Client) PublishUpdate(ctx context.Context, kind string, payload interface{}) {
	envelope := struct {
		Kind string      `json:"kind"`
		At   string      `json:"at"`
		Data interface{} `json:"data"`
	}{Kind: kind, At: time.Now().UTC().Format(time.RFC3339), Data: payload}

	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("[redis] marshal update: %v", err)
		return
	}
	// A dead redis must not stall the broadcast tick; the breaker
	// sheds publishes until a probe succeeds.
	err = c.breaker.Execute(func() error {
		return c.client.Publish(ctx, updatesChannel, data).Err()
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis] publish update: %v", err)
	}
}

// ReserveOrder claims an idempotency key for a request id. When the
// key is already held, the original request id is returned with
// ok=false so the caller can report the earlier submission instead of
// double-placing.
func (c *Client) ReserveOrder(ctx context.Context, key, requestID string) (bool, string, error) {
	redisKey := "tracker:idemp:" + key
	set, err := c.client.SetNX(ctx, redisKey, requestID, idempotencyTTL).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis setnx: %w", err)
	}
	if set {
		return true, requestID, nil
	}
	existing, err := c.client.Get(ctx, redisKey).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis get: %w", err)
	}
	return false, existing, nil
}

// ReleaseOrder drops an idempotency reservation so a failed order can
// be retried under the same key before the TTL runs out.
func (c *Client) ReleaseOrder(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, "tracker:idemp:"+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
