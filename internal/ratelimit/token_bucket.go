// Package ratelimit throttles inbound signaling traffic per connection.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is 1e9 nano-tokens, so a rate of R tokens/sec refills exactly R
// nano-tokens per elapsed nanosecond with no float rounding.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket allows bursts up to its capacity and refills at a fixed integer
// rate. A nil *TokenBucket allows everything.
type TokenBucket struct {
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	mu    sync.Mutex
	avail int64 // nano-tokens
	last  time.Time
}

// NewTokenBucket returns a full bucket. Negative arguments are treated as 0;
// a zero rate never refills.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(max(capacityTokens, 0))
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     max(fillRate, 0),
		avail:    capacity,
		last:     clock.Now(),
	}
}

// PerSecond builds a limiter for limit events per second with a one second
// burst. limit <= 0 disables limiting and returns nil.
func PerSecond(clock Clock, limit int) *TokenBucket {
	if limit <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(limit), int64(limit))
}

// Allow takes tokens from the bucket if they are all available. tokens <= 0
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

// Available reports whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	if b == nil {
		return maxInt64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.avail / nanoPerToken
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that moved backwards only resets the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.capacity {
		return
	}

	missing := b.capacity - b.avail
	if elapsed >= missing/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
