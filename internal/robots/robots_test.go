package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestOracleDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer srv.Close()

	o := NewOracle(srv.Client())
	ctx := context.Background()

	if !o.Allowed(ctx, srv.URL+"/public/page", "crawlclean") {
		t.Fatalf("expected /public/page to be allowed")
	}
	if o.Allowed(ctx, srv.URL+"/private/page", "crawlclean") {
		t.Fatalf("expected /private/page to be disallowed")
	}
}

func TestOracleFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	o := NewOracle(srv.Client())
	if !o.Allowed(context.Background(), srv.URL+"/anything", "crawlclean") {
		t.Fatalf("404 robots.txt must allow everything")
	}

	// Unreachable origin also fails open.
	o2 := NewOracle(nil)
	if !o2.Allowed(context.Background(), "http://127.0.0.1:1/page", "crawlclean") {
		t.Fatalf("unreachable robots.txt must allow everything")
	}
}

func TestOracleCancelledContextDoesNotPoisonCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	o := NewOracle(srv.Client())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if !o.Allowed(cancelled, srv.URL+"/page", "crawlclean") {
		t.Fatalf("a dead caller context must fail open for that call")
	}

	// The failed attempt must not be remembered as allow-all.
	if o.Allowed(context.Background(), srv.URL+"/page", "crawlclean") {
		t.Fatalf("disallow rules must apply once the fetch can complete")
	}
}

func TestOracleFetchesOncePerOrigin(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	o := NewOracle(srv.Client())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		o.Allowed(ctx, srv.URL+"/a", "crawlclean")
		o.Allowed(ctx, srv.URL+"/b", "crawlclean")
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly 1 robots.txt fetch, got %d", got)
	}
}
