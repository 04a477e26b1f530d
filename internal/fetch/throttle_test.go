package fetch

import (
	"context"
	"testing"
	"time"
)

func TestThrottleConcurrencyBound(t *testing.T) {
	th := NewThrottle(nil, 2, 0)
	ctx := context.Background()

	rel1, err := th.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	rel2, err := th.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	// Third acquire must block until a slot frees.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(blocked, "example.com"); err == nil {
		t.Fatalf("third acquire should have blocked past the deadline")
	}

	rel1()
	rel3, err := th.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	rel3()
	rel2()
}

func TestThrottleHostsAreIndependent(t *testing.T) {
	th := NewThrottle(nil, 1, 0)
	ctx := context.Background()

	relA, err := th.Acquire(ctx, "a.example")
	if err != nil {
		t.Fatalf("acquire a.example: %v", err)
	}
	defer relA()

	// A saturated host must not block a different host.
	quick, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	relB, err := th.Acquire(quick, "b.example")
	if err != nil {
		t.Fatalf("acquire b.example should not block: %v", err)
	}
	relB()
}

func TestThrottlePolitenessDelay(t *testing.T) {
	delay := 60 * time.Millisecond
	th := NewThrottle(nil, 0, delay)
	ctx := context.Background()

	rel, err := th.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	rel()

	start := time.Now()
	rel, err = th.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	rel()

	if elapsed := time.Since(start); elapsed < delay/2 {
		t.Fatalf("expected a politeness gap of roughly %v, got %v", delay, elapsed)
	}
}
