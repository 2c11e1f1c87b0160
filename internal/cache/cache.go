// Package cache wraps the shared Redis cache behind the small set of
// capabilities the identity layer needs: jti denylisting, resend locks,
// and atomic script evaluation for the rate limiter. Call sites depend on
// these methods, never on the concrete client shape.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps any cache connectivity failure.
var ErrUnavailable = errors.New("cache unavailable")

// Config holds connection parameters.
type Config struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// Client is the Redis-backed cache handle with an explicit
// connect/health/close lifecycle.
type Client struct {
	rdb redis.UniversalClient
}

// Connect dials Redis and verifies reachability.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Client{rdb: rdb}, nil
}

// New wraps an existing Redis client. Used by tests with miniredis.
func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Scripter exposes the atomic script-evaluation capability for the rate
// limiter. redis.Scripter carries Eval/EvalSha/ScriptLoad, which is all the
// handle-caching state machine needs.
func (c *Client) Scripter() redis.Scripter {
	return c.rdb
}

// DenyToken records a jti on the denylist for the token's remaining
// lifetime, so a logged-out access token dies before its natural expiry.
func (c *Client) DenyToken(ctx context.Context, jti string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, denyKey(jti), "1", remaining).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsTokenDenied reports whether a jti is on the denylist.
func (c *Client) IsTokenDenied(ctx context.Context, jti string) (bool, error) {
	err := c.rdb.Get(ctx, denyKey(jti)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// AcquireResendLock takes the per-identity OTP resend lock with SET NX.
// Returns false when another resend within the window already holds it.
func (c *Client) AcquireResendLock(ctx context.Context, identity string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, resendKey(identity), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// Ping reports cache reachability.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func denyKey(jti string) string {
	return "deny:" + jti
}

func resendKey(identity string) string {
	return "resend:" + identity
}
