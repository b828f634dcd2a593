// Package ratelimit implements fixed-window request limits in Redis.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// Enabled reports whether the limit applies.
func (c LimitConfig) Enabled() bool {
	return c.Rate > 0 && c.Window > 0
}

// incrScript increments the window counter, starting the window on the
// first hit, and returns the count with the remaining TTL.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {current, redis.call("PTTL", KEYS[1])}
`)

type Limiter struct {
	client *redis.Client
	salt   string
	now    func() time.Time
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	return &Limiter{client: client, salt: salt, now: time.Now}
}

// HashIP keeps raw client addresses out of Redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// Allow counts one hit against key and reports whether it fits the limit.
func (l *Limiter) Allow(ctx context.Context, key string, cfg LimitConfig) (*Decision, error) {
	res, err := incrScript.Run(ctx, l.client, []string{"rl:" + key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - int(count)
	if remaining < 0 {
		remaining = 0
	}
	retry := int((ttl + time.Second - 1) / time.Second)
	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      l.now().Add(ttl),
		RetryAfter: retry,
		Allowed:    int(count) <= cfg.Rate,
	}, nil
}
