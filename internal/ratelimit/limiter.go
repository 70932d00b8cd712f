// Package ratelimit provides keyed token-bucket rate limiting for agent
// tool calls. One bucket exists per arbitrary string key (typically
// agent:tool or agent:category); buckets for different keys are fully
// independent.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures a token bucket: capacity bounds burst, refill rate
// bounds sustained throughput.
type Config struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int `yaml:"capacity"`

	// RefillPerSecond is the continuous refill rate in tokens per second.
	RefillPerSecond float64 `yaml:"refill_per_second"`

	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// PerMinute returns a config allowing n calls per minute with burst n.
func PerMinute(n int) Config {
	return Config{Capacity: n, RefillPerSecond: float64(n) / 60.0, Enabled: true}
}

// PerHour returns a config allowing n calls per hour with burst n.
func PerHour(n int) Config {
	return Config{Capacity: n, RefillPerSecond: float64(n) / 3600.0, Enabled: true}
}

// PerDay returns a config allowing n calls per day with burst n.
func PerDay(n int) Config {
	return Config{Capacity: n, RefillPerSecond: float64(n) / 86400.0, Enabled: true}
}

// Bucket implements a single token bucket with lazy refill.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a token bucket filled to capacity.
func NewBucket(config Config) *Bucket {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}
	return &Bucket{
		tokens:     float64(config.Capacity),
		maxTokens:  float64(config.Capacity),
		refillRate: config.RefillPerSecond,
		lastRefill: time.Now(),
	}
}

// TryConsume refills based on elapsed time, then atomically takes one token
// if at least one is available.
func (b *Bucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Refund returns one token, capped at capacity. Callers use it to give back
// a token consumed for a call that a later check denied.
func (b *Bucket) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens++
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// RetryAfter returns how long until at least one token is available. A
// bucket with no refill rate and no tokens never recovers; RetryAfter
// reports an hour in that case so callers still get a finite hint.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Hour
	}

	needed := 1 - b.tokens
	seconds := needed / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Limiter manages token buckets for multiple keys. All buckets created
// through TryConsume share the limiter's config; TryConsumeWith creates
// buckets with per-key config for profile-driven quotas.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a keyed rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// TryConsume takes one token from the key's bucket, creating it on first use.
func (l *Limiter) TryConsume(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getBucket(key, l.config).TryConsume()
}

// TryConsumeWith is like TryConsume but applies the given config when the
// key's bucket is first created. Existing buckets keep their original
// config; use Reset to apply a changed quota.
func (l *Limiter) TryConsumeWith(key string, config Config) bool {
	if !config.Enabled {
		return true
	}
	return l.getBucket(key, config).TryConsume()
}

// getBucket returns or creates a bucket for the given key.
func (l *Limiter) getBucket(key string, config Config) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	bucket = NewBucket(config)
	l.buckets[key] = bucket
	return bucket
}

// prune removes buckets with near-full tokens (likely inactive keys).
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(l.buckets, key)
		}
	}
}

// Refund returns one token to the key's bucket. A no-op when the key has no
// bucket, which also covers the disabled case where nothing was consumed.
func (l *Limiter) Refund(key string) {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		bucket.Refund()
	}
}

// RetryAfter returns how long until one token is available for the key.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if !exists {
		return 0
	}
	return bucket.RetryAfter()
}

// Reset drops the bucket for a key so the next call recreates it.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Status reports the rate-limit state for a key.
type Status struct {
	Key             string        `json:"key"`
	AllowedNow      bool          `json:"allowed_now"`
	TokensRemaining float64       `json:"tokens_remaining"`
	RetryAfter      time.Duration `json:"retry_after"`
}

// GetStatus returns the rate-limit status for a key.
func (l *Limiter) GetStatus(key string) Status {
	if !l.config.Enabled {
		return Status{Key: key, AllowedNow: true}
	}

	bucket := l.getBucket(key, l.config)
	tokens := bucket.Tokens()

	return Status{
		Key:             key,
		AllowedNow:      tokens >= 1,
		TokensRemaining: tokens,
		RetryAfter:      bucket.RetryAfter(),
	}
}

// Key builds a composite rate-limit key from parts, e.g. Key("a1", "exec")
// yields "a1:exec".
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
