// Package ratelimit throttles outbound model traffic per backend with
// request-per-minute and token-per-minute buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

// bucket is a token bucket refilled continuously at ratePerMinute.
type bucket struct {
	mu        sync.Mutex
	capacity  float64
	level     float64
	perSecond float64
	lastFill  time.Time
}

func newBucket(ratePerMinute int) *bucket {
	capacity := float64(ratePerMinute)
	return &bucket{
		capacity:  capacity,
		level:     capacity,
		perSecond: capacity / 60,
		lastFill:  time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	b.level += elapsed * b.perSecond
	if b.level > b.capacity {
		b.level = b.capacity
	}
	b.lastFill = now
}

// take removes n units if available; otherwise it reports how long until
// they would be.
func (b *bucket) take(n float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	if b.level >= n {
		b.level -= n
		return true, 0
	}
	deficit := n - b.level
	return false, time.Duration(deficit / b.perSecond * float64(time.Second))
}

// Limiter coordinates a request bucket and a token bucket for one backend.
type Limiter struct {
	name     string
	requests *bucket
	tokens   *bucket
}

// NewLimiter creates a limiter for one model backend. Zero rates disable
// the corresponding bucket.
func NewLimiter(name string, requestsPerMinute, tokensPerMinute int) *Limiter {
	l := &Limiter{name: name}
	if requestsPerMinute > 0 {
		l.requests = newBucket(requestsPerMinute)
	}
	if tokensPerMinute > 0 {
		l.tokens = newBucket(tokensPerMinute)
	}
	return l
}

// Acquire reserves one request and estimatedTokens tokens, waiting for
// refill if the buckets are dry. A wait that cannot complete before the
// context deadline fails fast with Busy instead of blocking the turn.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) error {
	if err := l.acquireFrom(ctx, l.requests, 1); err != nil {
		return err
	}
	return l.acquireFrom(ctx, l.tokens, float64(estimatedTokens))
}

func (l *Limiter) acquireFrom(ctx context.Context, b *bucket, n float64) error {
	if b == nil || n <= 0 {
		return nil
	}

	for {
		ok, wait := b.take(n)
		if ok {
			return nil
		}

		if deadline, has := ctx.Deadline(); has && time.Now().Add(wait).After(deadline) {
			return fault.New(fault.Busy, "ratelimit.Acquire",
				"rate limit for backend "+l.name+" cannot clear before deadline")
		}

		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Cancelled, "ratelimit.Acquire", ctx.Err())
		case <-time.After(wait):
		}
	}
}
