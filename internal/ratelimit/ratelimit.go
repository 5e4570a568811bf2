// Package ratelimit implements the token-bucket gate consulted once per
// inbound message. It answers allow/deny with remaining quota or a
// retry-after hint; a denial drops the message before any session is touched.
// Uses golang.org/x/time/rate buckets: one global user bucket plus one bucket
// per channel type.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of a single gate check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// Allowed builds an allow result with the remaining token count.
func Allowed(remaining int) Result {
	return Result{Allowed: true, Remaining: remaining}
}

// Denied builds a deny result with a retry-after hint and a reason string.
func Denied(retryAfter time.Duration, reason string) Result {
	return Result{Allowed: false, RetryAfter: retryAfter, Reason: reason}
}

// Config holds limiter settings resolved from operator config.
type Config struct {
	Enabled                  bool
	UserRequestsPerMinute    int
	ChannelMessagesPerSecond int
}

// Limiter is the turn-level rate gate. Disabled limiters always allow and
// never touch a bucket.
type Limiter struct {
	enabled bool

	user *rate.Limiter

	mu         sync.Mutex
	channels   map[string]*rate.Limiter
	perChannel rate.Limit
	chanBurst  int
}

// New creates a limiter from config. Zero rates are clamped to a burst of 1
// so a misconfigured limiter degrades to "one at a time" instead of panicking.
func New(cfg Config) *Limiter {
	userBurst := cfg.UserRequestsPerMinute
	if userBurst < 1 {
		userBurst = 1
	}
	chanBurst := cfg.ChannelMessagesPerSecond
	if chanBurst < 1 {
		chanBurst = 1
	}
	return &Limiter{
		enabled:    cfg.Enabled,
		user:       rate.NewLimiter(rate.Limit(float64(cfg.UserRequestsPerMinute)/60.0), userBurst),
		channels:   make(map[string]*rate.Limiter),
		perChannel: rate.Limit(cfg.ChannelMessagesPerSecond),
		chanBurst:  chanBurst,
	}
}

// TryConsume takes one token from the global user bucket.
func (l *Limiter) TryConsume() Result {
	if !l.enabled {
		return Allowed(int(^uint(0) >> 1))
	}
	return consume(l.user, "user quota exhausted")
}

// TryConsumeChannel takes one token from the per-channel bucket, creating the
// bucket on first use.
func (l *Limiter) TryConsumeChannel(channelType string) Result {
	if !l.enabled {
		return Allowed(int(^uint(0) >> 1))
	}
	l.mu.Lock()
	bucket, ok := l.channels[channelType]
	if !ok {
		bucket = rate.NewLimiter(l.perChannel, l.chanBurst)
		l.channels[channelType] = bucket
	}
	l.mu.Unlock()
	return consume(bucket, "channel quota exhausted")
}

func consume(bucket *rate.Limiter, reason string) Result {
	res := bucket.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return Denied(delay, reason)
	}
	return Allowed(int(bucket.Tokens()))
}
