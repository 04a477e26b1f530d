package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memWindow mirrors the admission script's semantics in memory: trim,
// count, and record happen under one lock.
type memWindow struct {
	mu      sync.Mutex
	entries map[string][]int64
}

func (m *memWindow) admit(_ context.Context, key string, nowMs, cutoffMs int64, limit int, _ string, _ int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string][]int64)
	}
	kept := m.entries[key][:0]
	for _, score := range m.entries[key] {
		if score > cutoffMs {
			kept = append(kept, score)
		}
	}
	if len(kept) >= limit {
		m.entries[key] = kept
		return 0, nil
	}
	m.entries[key] = append(kept, nowMs)
	return 1, nil
}

func newTestLimiter(w *memWindow) *Limiter {
	return &Limiter{admit: w.admit}
}

func TestAllowEnforcesLimit(t *testing.T) {
	w := &memWindow{}
	l := newTestLimiter(w)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k", 3)
		if err != nil {
			t.Fatalf("allow error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	ok, err := l.Allow(ctx, "k", 3)
	if err != nil {
		t.Fatalf("allow error: %v", err)
	}
	if ok {
		t.Fatalf("fourth request in the window must be denied")
	}
}

func TestAllowDeniedRequestsAreNotRecorded(t *testing.T) {
	w := &memWindow{}
	l := newTestLimiter(w)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Allow(ctx, "k", 2)
	}
	if got := len(w.entries[keyPrefix+"k"]); got != 2 {
		t.Fatalf("only admitted requests may be recorded, window holds %d", got)
	}
}

func TestAllowConcurrentBurstStaysUnderLimit(t *testing.T) {
	w := &memWindow{}
	l := newTestLimiter(w)
	ctx := context.Background()

	const limit = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(ctx, "burst", limit)
			if err != nil {
				t.Errorf("allow error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("atomic admission must let exactly %d of the burst through, got %d", limit, admitted)
	}
}

func TestAllowUnlimitedAndDisabled(t *testing.T) {
	ctx := context.Background()

	l := newTestLimiter(&memWindow{})
	if ok, _ := l.Allow(ctx, "k", 0); !ok {
		t.Fatalf("limit <= 0 means unlimited")
	}

	disabled := New(nil)
	if ok, _ := disabled.Allow(ctx, "k", 1); !ok {
		t.Fatalf("nil redis client must admit everything")
	}
}

func TestAllowWindowSlides(t *testing.T) {
	w := &memWindow{}
	l := newTestLimiter(w)
	ctx := context.Background()

	// Pre-load an entry that is older than the window.
	old := time.Now().Add(-2 * window).UnixMilli()
	w.entries = map[string][]int64{keyPrefix + "k": {old}}

	ok, err := l.Allow(ctx, "k", 1)
	if err != nil {
		t.Fatalf("allow error: %v", err)
	}
	if !ok {
		t.Fatalf("entries outside the window must not count against the limit")
	}
}
