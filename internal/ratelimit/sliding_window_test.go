package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindow_RejectsBadConfig(t *testing.T) {
	if _, err := NewSlidingWindow(0, time.Second); err == nil {
		t.Fatal("expected error for n=0")
	}
	if _, err := NewSlidingWindow(1, 0); err == nil {
		t.Fatal("expected error for w=0")
	}
}

func TestSlidingWindow_RateBound(t *testing.T) {
	sw, err := NewSlidingWindow(1, 250*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := sw.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 900*time.Millisecond {
		t.Fatalf("5 acquires with N=1,W=250ms completed too fast: %s", elapsed)
	}
}

func TestSlidingWindow_ContextCancel(t *testing.T) {
	sw, err := NewSlidingWindow(1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := sw.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sw.Acquire(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}
