package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThrottlePolicy configures the failed-login lockout.
type ThrottlePolicy struct {
	MaxAttempts int
	Decay       time.Duration
}

// DefaultThrottlePolicy allows five failures, each refreshing a 90 second window.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{MaxAttempts: 5, Decay: 90 * time.Second}
}

// Throttle counts failed logins per key in Redis. Counters are shared by
// every application instance and expire Decay after the latest failure.
type Throttle struct {
	client *redis.Client
	policy ThrottlePolicy
	prefix string
}

// NewThrottle constructs a Throttle.
func NewThrottle(client *redis.Client, policy ThrottlePolicy) *Throttle {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultThrottlePolicy().MaxAttempts
	}
	if policy.Decay <= 0 {
		policy.Decay = DefaultThrottlePolicy().Decay
	}
	return &Throttle{client: client, policy: policy, prefix: "login:"}
}

// ThrottleKey combines the case-folded username with the client address.
func ThrottleKey(username, ip string) string {
	return strings.ToLower(strings.TrimSpace(username)) + "|" + ip
}

// Policy returns the configured policy.
func (t *Throttle) Policy() ThrottlePolicy {
	return t.policy
}

// Attempts returns the failures recorded for key within the window.
func (t *Throttle) Attempts(ctx context.Context, key string) (int, error) {
	raw, err := t.client.Get(ctx, t.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("auth: throttle attempts: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("auth: throttle attempts: %w", err)
	}
	return n, nil
}

// reserveScript takes one attempt slot unless the threshold is reached. It
// returns the new count, or -1 while locked out. The window restarts on every
// reserved attempt.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return -1
end
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return n
`)

// releaseScript gives back a reserved slot without creating the key.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Reserve atomically checks the threshold and counts one attempt for key.
// ok is false once MaxAttempts attempts are already recorded; nothing is
// counted in that case. A reserved attempt stays counted as a failure unless
// it is cleared or released.
func (t *Throttle) Reserve(ctx context.Context, key string) (attempt int, ok bool, err error) {
	n, err := reserveScript.Run(ctx, t.client, []string{t.prefix + key}, t.policy.MaxAttempts, t.policy.Decay.Milliseconds()).Int()
	if err != nil {
		return 0, false, fmt.Errorf("auth: throttle reserve: %w", err)
	}
	if n < 0 {
		return t.policy.MaxAttempts, false, nil
	}
	return n, true, nil
}

// Release returns an attempt reserved for a request that failed for reasons
// unrelated to the credentials.
func (t *Throttle) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, t.client, []string{t.prefix + key}).Err(); err != nil {
		return fmt.Errorf("auth: throttle release: %w", err)
	}
	return nil
}

// Clear resets the counter for key.
func (t *Throttle) Clear(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("auth: throttle clear: %w", err)
	}
	return nil
}

// AvailableIn returns how long until key may try again.
func (t *Throttle) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := t.client.TTL(ctx, t.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("auth: throttle ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
