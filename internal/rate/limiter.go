// Package rate implements the distributed sliding-window rate limiter.
//
// The window is divided into fixed sub-window buckets kept in one Redis
// hash per key. Pruning stale buckets, summing the remainder, and
// incrementing the current bucket happen inside a single Lua script, so
// the check-and-increment is atomic server-side; a check-then-increment
// done as two round trips would be racy under concurrent requests for the
// same key.
//
// Any unexpected cache error fails OPEN: the request is allowed, the
// result is marked bypassed, and the error is logged at most once per
// throttle interval. The limiter must never become a single point of
// total request failure.
package rate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes stale buckets, sums the live ones, and
// increments only when under the limit. Returns:
//
//	{1, total_after_increment, oldest_bucket} when allowed
//	{0, current_total, oldest_bucket} when rejected
//
// KEYS[1] = bucket hash, ARGV = current bucket, stale threshold, limit,
// window seconds. The key TTL is refreshed whenever it is unset or has
// dropped below half the window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local total = 0
local oldest = current
local fields = redis.call('HGETALL', key)
for i = 1, #fields, 2 do
  local bucket = tonumber(fields[i])
  if bucket == nil or bucket <= threshold then
    redis.call('HDEL', key, fields[i])
  else
    total = total + tonumber(fields[i + 1])
    if bucket < oldest then
      oldest = bucket
    end
  end
end

if total + 1 > limit then
  return {0, total, oldest}
end

redis.call('HINCRBY', key, current, 1)
local ttl = redis.call('TTL', key)
if ttl < 0 or ttl * 2 < window then
  redis.call('EXPIRE', key, window)
end
return {1, total + 1, oldest}
`)

// Config tunes one limiter scope.
type Config struct {
	// Limit is the maximum number of requests per sliding window.
	Limit int
	// Window is the full sliding window size.
	Window time.Duration
	// SubWindow is the bucket granularity; Window/SubWindow buckets
	// approximate the continuous window.
	SubWindow time.Duration
	// LogThrottle caps cache-failure logging to one line per interval,
	// so an outage does not become a log storm.
	LogThrottle time.Duration
	// ScriptTimeout bounds each Redis round trip.
	ScriptTimeout time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Bypassed   bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is safe for concurrent use.
type Limiter struct {
	scripter redis.Scripter
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastLog time.Time
}

// New creates a Limiter. scripter is the cache's atomic script-evaluation
// capability; logger receives throttled degradation warnings.
func New(scripter redis.Scripter, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.LogThrottle <= 0 {
		cfg.LogThrottle = 30 * time.Second
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		scripter: scripter,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow records one request against key and reports whether it is within
// the limit. Cache errors never surface: the request is allowed with
// Bypassed set.
func (l *Limiter) Allow(ctx context.Context, key string) Result {
	now := l.now()
	subWindowSec := int64(l.config.SubWindow / time.Second)
	if subWindowSec < 1 {
		subWindowSec = 1
	}
	windowSec := int64(l.config.Window / time.Second)
	numBuckets := windowSec / subWindowSec

	current := now.Unix() / subWindowSec
	threshold := current - numBuckets

	runCtx, cancel := context.WithTimeout(ctx, l.config.ScriptTimeout)
	defer cancel()

	// redis.Script caches the SHA after the first load and transparently
	// re-registers on NOSCRIPT, covering cold caches and restarts.
	raw, err := slidingWindowScript.Run(
		runCtx,
		l.scripter,
		[]string{"rate_limit:" + key},
		current,
		threshold,
		l.config.Limit,
		windowSec,
	).Result()
	if err != nil {
		l.logDegraded(err)
		return Result{Allowed: true, Bypassed: true, Limit: l.config.Limit}
	}

	allowed, total, oldest, err := parseScriptReply(raw)
	if err != nil {
		l.logDegraded(err)
		return Result{Allowed: true, Bypassed: true, Limit: l.config.Limit}
	}

	remaining := l.config.Limit - int(total)
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:   allowed,
		Limit:     l.config.Limit,
		Remaining: remaining,
	}
	if !allowed {
		// A bucket b goes stale once current >= b + numBuckets, so the
		// oldest live bucket leaves the window at
		// (oldest + numBuckets) * subWindow.
		retryAt := time.Unix((oldest+numBuckets)*subWindowSec, 0)
		if after := retryAt.Sub(now); after > 0 {
			res.RetryAfter = after
		} else {
			res.RetryAfter = l.config.SubWindow
		}
	}
	return res
}

func parseScriptReply(raw interface{}) (allowed bool, total, oldest int64, err error) {
	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected limiter script reply: %T", raw)
	}
	status, ok0 := parts[0].(int64)
	count, ok1 := parts[1].(int64)
	bucket, ok2 := parts[2].(int64)
	if !ok0 || !ok1 || !ok2 {
		return false, 0, 0, fmt.Errorf("unexpected limiter script reply values")
	}
	return status == 1, count, bucket, nil
}

func (l *Limiter) logDegraded(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastLog) < l.config.LogThrottle {
		return
	}
	l.lastLog = now
	l.logger.Warn("rate limiter degraded, failing open", "error", err)
}
