package resilience

import (
	"context"
	"sync"
	"time"
)

// LimiterOpts configures the token bucket.
type LimiterOpts struct {
	Rate  float64 // tokens added per second; must be > 0
	Burst int     // bucket capacity
}

// Limiter is a token bucket. Wait blocks until a token accrues, so callers
// pace themselves instead of failing fast.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewLimiter creates a full bucket.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Limiter{
		rate:   opts.Rate,
		burst:  float64(opts.Burst),
		tokens: float64(opts.Burst),
		now:    time.Now,
	}
}

// Wait takes a token, sleeping until one is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 || l.rate <= 0 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		sleep := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// refill credits tokens for the time elapsed since the last call, capped at
// the bucket capacity. Caller holds mu.
func (l *Limiter) refill() {
	t := l.now()
	if !l.last.IsZero() {
		l.tokens += t.Sub(l.last).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.last = t
}
