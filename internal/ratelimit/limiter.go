// Package ratelimit implements spec §4.10's token-bucket RateLimiter (C1):
// independently-keyed per-scope buckets with in-place live capacity reload
// and fractional-token refill.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures one bucket scope. Capacity and RefillPeriod follow
// spec §4.10's naming directly: a bucket holds up to Capacity tokens and
// refills fully once every RefillPeriod (e.g. Capacity=30, RefillPeriod=
// time.Minute means 30 requests/minute with even fractional refill).
type Config struct {
	// Capacity is the maximum number of tokens (and the full-refill amount).
	Capacity float64 `yaml:"capacity"`
	// RefillPeriod is the duration over which Capacity tokens fully refill.
	RefillPeriod time.Duration `yaml:"refill_period"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration: 10
// requests/second.
func DefaultConfig() Config {
	return Config{
		Capacity:     10,
		RefillPeriod: time.Second,
		Enabled:      true,
	}
}

func (c Config) refillRate() float64 {
	if c.RefillPeriod <= 0 {
		return 0
	}
	return c.Capacity / c.RefillPeriod.Seconds()
}

// Decision is tryConsume's result per spec §4.10.
type Decision struct {
	Allowed   bool
	Remaining float64
	// WaitHint is how long the caller should wait before the next attempt
	// would likely succeed. Zero when Allowed is true.
	WaitHint time.Duration
}

// State is getState's result per spec §4.10, exposed for observability.
type State struct {
	Capacity   float64
	Tokens     float64
	LastRefill time.Time
}

// bucket implements token bucket rate limiting for one key.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(cfg Config) *bucket {
	return &bucket{
		tokens:     cfg.Capacity,
		capacity:   cfg.Capacity,
		refillRate: cfg.refillRate(),
		lastRefill: time.Now(),
	}
}

// refill adds tokens based on elapsed time (must be called with lock held).
// Fractional tokens are preserved across calls: tokens = min(capacity,
// tokens + elapsed/refillPeriod * capacity).
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

func (b *bucket) tryConsume(n int) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if n <= 0 {
		return Decision{Allowed: true, Remaining: b.tokens}
	}
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	needed := float64(n) - b.tokens
	var wait time.Duration
	if b.refillRate > 0 {
		wait = time.Duration(needed / b.refillRate * float64(time.Second))
	}
	return Decision{Allowed: false, Remaining: b.tokens, WaitHint: wait}
}

func (b *bucket) state() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return State{Capacity: b.capacity, Tokens: b.tokens, LastRefill: b.lastRefill}
}

// updateCapacity updates the bucket's capacity/refill rate in place without
// rebuilding it, clamping current tokens to min(tokens, newCapacity) per
// spec §4.10.
func (b *bucket) updateCapacity(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.capacity = cfg.Capacity
	b.refillRate = cfg.refillRate()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Limiter manages one rate-limit scope's buckets, keyed independently per
// caller-supplied key (e.g. one Limiter per spec §4.10 scope: user:global,
// channel:<type>, llm:<providerId>).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a new rate limiter for one scope.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// TryConsume attempts to consume n tokens (1 by default semantics: callers
// wanting single-request admission pass n=1) for key, per spec §4.10.
func (l *Limiter) TryConsume(key string, n int) Decision {
	if !l.config.Enabled {
		return Decision{Allowed: true}
	}
	return l.getBucket(key).tryConsume(n)
}

// GetState returns key's current bucket state per spec §4.10.
func (l *Limiter) GetState(key string) State {
	if !l.config.Enabled {
		return State{Capacity: l.config.Capacity}
	}
	return l.getBucket(key).state()
}

// UpdateCapacity live-reloads every existing bucket's capacity/refill rate
// in place, without rebuilding the bucket map, and updates the config new
// buckets are created with. This is the hook spec §4.10's "capacity/rate
// update in place" requirement and the config hot-reload watcher both need.
func (l *Limiter) UpdateCapacity(cfg Config) {
	l.mu.Lock()
	l.config = cfg
	buckets := make([]*bucket, 0, len(l.buckets))
	for _, b := range l.buckets {
		buckets = append(buckets, b)
	}
	l.mu.Unlock()

	for _, b := range buckets {
		b.updateCapacity(cfg)
	}
}

// Allow is TryConsume(key, 1).Allowed, kept as a convenience wrapper for
// callers (pipeline.RateLimiter) that only need a boolean admission check.
func (l *Limiter) Allow(key string) bool {
	return l.TryConsume(key, 1).Allowed
}

// AllowN is TryConsume(key, n).Allowed.
func (l *Limiter) AllowN(key string, n int) bool {
	return l.TryConsume(key, n).Allowed
}

// getBucket returns or creates a bucket for the given key.
func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[key]
	cfg := l.config
	l.mu.RUnlock()

	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, exists = l.buckets[key]; exists {
		return b
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	b = newBucket(cfg)
	l.buckets[key] = b
	return b
}

// prune removes buckets with near-full tokens (likely inactive keys).
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.state().Tokens >= b.capacity*0.9 {
			delete(l.buckets, key)
		}
	}
}

// WaitTime returns how long to wait before a request for key would be
// allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	return l.TryConsume(key, 0).WaitHint
}

// Reset clears the bucket for a key, restoring it to a full-capacity state
// on next access.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CompositeKey builds a rate-limit key from independently-meaningful parts
// (e.g. CompositeKey("channel", string(channelType))).
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// MultiLimiter composes the three spec §4.10 scopes (user, channel, llm)
// behind one admission surface for the two pipeline-entry scopes, while
// keeping LLM independently addressable: ToolLoop checks it once per
// provider call rather than once per turn, so it is never folded into
// Allow's all-limiters-must-pass check here.
type MultiLimiter struct {
	User    *Limiter
	Channel *Limiter
	LLM     *Limiter
}

// NewMultiLimiter builds a MultiLimiter from per-scope configs.
func NewMultiLimiter(user, channel, llmCfg Config) *MultiLimiter {
	return &MultiLimiter{
		User:    NewLimiter(user),
		Channel: NewLimiter(channel),
		LLM:     NewLimiter(llmCfg),
	}
}

// Allow admits a turn only if both the user and the channel scopes allow
// it, each independently keyed (spec §4.10: every key passed to Allow must
// be built from the caller's own identity within its scope, not shared
// across scopes).
func (m *MultiLimiter) Allow(userKey, channelKey string) bool {
	if m.User != nil && !m.User.Allow(userKey) {
		return false
	}
	if m.Channel != nil && !m.Channel.Allow(channelKey) {
		return false
	}
	return true
}

// WaitTime returns the maximum wait time across the user and channel
// scopes for the given keys.
func (m *MultiLimiter) WaitTime(userKey, channelKey string) time.Duration {
	var maxWait time.Duration
	if m.User != nil {
		if w := m.User.WaitTime(userKey); w > maxWait {
			maxWait = w
		}
	}
	if m.Channel != nil {
		if w := m.Channel.WaitTime(channelKey); w > maxWait {
			maxWait = w
		}
	}
	return maxWait
}
