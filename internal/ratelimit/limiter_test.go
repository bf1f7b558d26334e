package ratelimit

import (
	"context"
	"testing"
	"time"
)

// Style grounded on 0xtitan6-polymarket-mm/internal/exchange/ratelimit_test.go,
// the one pack example that tests a token-bucket rate limiter.

func TestAcquireImmediateWithinBurst(t *testing.T) {
	t.Parallel()
	l := New(5, 10)

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := l.Acquire(context.Background(), ClassOrder); err != nil {
			t.Fatalf("Acquire() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Acquire() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	t.Parallel()
	l := New(1, 10)

	if err := l.Acquire(context.Background(), ClassOrder); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Acquire(context.Background(), ClassOrder); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 500*time.Millisecond {
		t.Errorf("expected blocking ~1s for order-class refill, got %v", elapsed)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	l := New(1, 10)
	_ = l.Acquire(context.Background(), ClassOrder)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx, ClassOrder); err == nil {
		t.Error("expected context deadline error, got nil")
	}
}

func TestOrderAndInfoClassesAreIndependent(t *testing.T) {
	t.Parallel()
	l := New(1, 1)
	_ = l.Acquire(context.Background(), ClassOrder)

	// Info-class bucket should still be full even though order-class was drained.
	start := time.Now()
	if err := l.Acquire(context.Background(), ClassInfo); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("info-class Acquire() blocked for %v, want immediate (separate bucket)", elapsed)
	}
}
