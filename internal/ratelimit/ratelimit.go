// Package ratelimit implements the token bucket the SMTP loop consults
// before every send (spec.md §4.3, component E): "consult a token-bucket;
// if the bucket says 'not yet,' sleep for exactly the time-until-available,
// interrupted by the idle channel."
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a simple token bucket: capacity tokens refilled continuously
// at rate tokens/interval, consumed one at a time by Allow/TimeUntilReady.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
	now        func() time.Time
}

// New constructs a Bucket holding capacity tokens, refilled at one token
// per interval.
func New(capacity int, interval time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: 1 / interval.Seconds(),
		last:       time.Now(),
		now:        time.Now,
	}
}

func (b *Bucket) refill(at time.Time) {
	elapsed := at.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = at
}

// Allow consumes one token and reports whether one was available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// TimeUntilReady reports how long to wait before a token will next be
// available, 0 if one is available now. It does not consume a token.
func (b *Bucket) TimeUntilReady() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.now())
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing/b.refillRate*float64(time.Second)) + time.Millisecond
}

// Backoff implements the exponential SMTP retry timeout of spec.md §4.3 /
// §8 property 10: starts at 30s, triples on every consecutive failure,
// capped so it never overflows.
type Backoff struct {
	base time.Duration
	cap  time.Duration
	n    int
}

// NewBackoff constructs a Backoff starting at base and never exceeding cap.
func NewBackoff(base, cap time.Duration) *Backoff {
	return &Backoff{base: base, cap: cap}
}

// Fail records one more consecutive failure and returns the next retry
// delay: min(cap, base·3^n).
func (b *Backoff) Fail() time.Duration {
	d := b.base
	for i := 0; i < b.n && d < b.cap; i++ {
		d *= 3
	}
	if d > b.cap {
		d = b.cap
	}
	b.n++
	return d
}

// Reset clears the failure count after a successful send.
func (b *Backoff) Reset() {
	b.n = 0
}
