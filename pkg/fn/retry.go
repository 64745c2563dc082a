package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts tunes Retry's exponential backoff.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// DefaultRetry suits transient network failures.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// Retry runs f until it succeeds, attempts run out, or the context is
// cancelled while waiting. The wait doubles between attempts up to MaxWait;
// with Jitter each wait is scaled by a random factor in [0.5, 1.5).
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	wait := opts.InitialWait
	var last Result[T]
	for attempt := 1; ; attempt++ {
		last = f(ctx)
		if last.IsOk() || attempt == opts.MaxAttempts {
			return last
		}

		d := wait
		if opts.Jitter {
			d = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if d > opts.MaxWait {
			d = opts.MaxWait
		}
		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(d):
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
}
