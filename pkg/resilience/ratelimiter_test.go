package resilience

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_BurstThenBlocks(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 500, Burst: 2})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("burst wait %d: %v", i, err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("burst tokens should be available immediately")
	}

	// Third token must wait for refill (~2ms at 500/s).
	start = time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < time.Millisecond {
		t.Error("wait beyond burst returned without pacing")
	}
}

func TestLimiter_CancelledWait(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 100, Burst: 3})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// A long idle stretch must not accrue more than Burst tokens.
	clock = clock.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	l.mu.Lock()
	tokens := l.tokens
	l.mu.Unlock()
	if tokens >= 1 {
		t.Errorf("tokens = %v after draining a full bucket, want < 1", tokens)
	}
}
