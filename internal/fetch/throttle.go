package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	domainKeyPrefix = "domain_concurrency:"
	domainKeyTTL    = 60 * time.Second
	acquirePollWait = 500 * time.Millisecond
)

// Throttle enforces per-host politeness: a bounded number of in-flight
// fetches per host (locally and, when Redis is configured, across
// processes) plus a minimum delay between consecutive requests.
type Throttle struct {
	rdb         *redis.Client
	maxPerHost  int
	domainDelay time.Duration

	mu       sync.Mutex
	sems     map[string]chan struct{}
	limiters map[string]*rate.Limiter
}

// NewThrottle builds a Throttle. rdb may be nil for single-process
// deployments; maxPerHost <= 0 disables the concurrency bound.
func NewThrottle(rdb *redis.Client, maxPerHost int, domainDelay time.Duration) *Throttle {
	return &Throttle{
		rdb:         rdb,
		maxPerHost:  maxPerHost,
		domainDelay: domainDelay,
		sems:        make(map[string]chan struct{}),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until a fetch slot for host is available and the
// politeness delay has elapsed. The returned release function must be
// called when the fetch (including robots checks) is done.
func (t *Throttle) Acquire(ctx context.Context, host string) (func(), error) {
	release := func() {}

	if t.maxPerHost > 0 {
		sem := t.hostSem(host)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if err := t.acquireShared(ctx, host); err != nil {
			<-sem
			return nil, err
		}

		release = func() {
			t.releaseShared(host)
			<-sem
		}
	}

	if t.domainDelay > 0 {
		if err := t.hostLimiter(host).Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}

	return release, nil
}

func (t *Throttle) hostSem(host string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[host]
	if !ok {
		sem = make(chan struct{}, t.maxPerHost)
		t.sems[host] = sem
	}
	return sem
}

func (t *Throttle) hostLimiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.domainDelay), 1)
		t.limiters[host] = l
	}
	return l
}

// acquireShared bounds concurrency across processes with a Redis
// counter. The key expires so a crashed worker cannot wedge a host.
func (t *Throttle) acquireShared(ctx context.Context, host string) error {
	if t.rdb == nil {
		return nil
	}
	key := domainKeyPrefix + host

	for {
		n, err := t.rdb.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("domain counter incr: %w", err)
		}
		t.rdb.Expire(ctx, key, domainKeyTTL)
		if n <= int64(t.maxPerHost) {
			return nil
		}

		t.rdb.Decr(ctx, key)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquirePollWait):
		}
	}
}

func (t *Throttle) releaseShared(host string) {
	if t.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	t.rdb.Decr(ctx, domainKeyPrefix+host)
}
