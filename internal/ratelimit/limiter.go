// Package ratelimit provides a per-domain token-bucket limiter. The token
// wait is the only serialization point for a given domain: slow endpoints
// throttle throughput through backpressure rather than an explicit
// concurrency cap.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultRequestsPerSecond is the bucket capacity and refill rate used when
// a caller does not configure one.
const DefaultRequestsPerSecond = 100

// Limiter implements a token bucket for one domain.
//
// Tokens refill continuously and are evaluated lazily on each call; there
// is no background refill timer. Capacity equals the configured rate, so a
// full bucket holds one second of burst. When fewer than one token is
// available, Wait suspends for the time the missing fraction takes to
// refill and then consumes the granted token. A caller cancelled after the
// grant does not refund the token; it was already spent.
type Limiter struct {
	rate float64 // tokens per second; also the bucket capacity

	mu               sync.Mutex
	tokens           float64
	lastRefill       time.Time
	windowStart      time.Time
	requestsInWindow int

	now func() time.Time
}

// NewLimiter creates a limiter with the given requests-per-second rate.
// Non-positive rates fall back to DefaultRequestsPerSecond. The bucket
// starts full.
func NewLimiter(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	now := time.Now()
	return &Limiter{
		rate:        requestsPerSecond,
		tokens:      requestsPerSecond,
		lastRefill:  now,
		windowStart: now,
		now:         time.Now,
	}
}

// Wait blocks until a token is granted or the context is cancelled.
// Exactly one token is consumed on grant.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refillLocked()

		if l.tokens >= 1 {
			l.tokens--
			l.countRequestLocked()
			l.mu.Unlock()
			return nil
		}

		// ceil((1 - tokens) * (1000ms / rate)) milliseconds until a full
		// token has refilled.
		waitMillis := math.Ceil((1 - l.tokens) * 1000.0 / l.rate)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(waitMillis) * time.Millisecond):
		}
	}
}

// TryAcquire attempts to consume a token without blocking.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= 1 {
		l.tokens--
		l.countRequestLocked()
		return true
	}
	return false
}

// Stats returns limiter statistics. The window counter is observational
// only; it never gates admission.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	l.rollWindowLocked()

	return map[string]interface{}{
		"requests_per_second": l.rate,
		"available_tokens":    l.tokens,
		"requests_in_window":  l.requestsInWindow,
		"last_refill":         l.lastRefill,
	}
}

// refillLocked adds tokens for the elapsed time, capped at capacity.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.rate, l.tokens+elapsed*l.rate)
	l.lastRefill = now
}

func (l *Limiter) countRequestLocked() {
	l.rollWindowLocked()
	l.requestsInWindow++
}

func (l *Limiter) rollWindowLocked() {
	now := l.now()
	if now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.requestsInWindow = 0
	}
}
