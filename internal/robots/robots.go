package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	robotstxt "github.com/temoto/robotstxt"
)

const fetchTimeout = 5 * time.Second

// Oracle answers robots.txt questions with a per-origin cache. Each
// origin (scheme://host) is fetched at most once per process; a
// missing or unreachable robots.txt allows everything.
type Oracle struct {
	client *http.Client

	mu      sync.Mutex
	origins map[string]*originEntry
}

type originEntry struct {
	mu      sync.Mutex
	fetched bool
	data    *robotstxt.RobotsData // nil means allow-all
}

// NewOracle constructs an Oracle. client may be nil, in which case a
// default client with the fetch timeout is used.
func NewOracle(client *http.Client) *Oracle {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Oracle{
		client:  client,
		origins: make(map[string]*originEntry),
	}
}

// Allowed reports whether userAgent may fetch rawURL. Malformed URLs
// are allowed through; the fetch layer will reject them with a better
// error than a robots denial.
func (o *Oracle) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	origin := u.Scheme + "://" + u.Host

	o.mu.Lock()
	entry, ok := o.origins[origin]
	if !ok {
		entry = &originEntry{}
		o.origins[origin] = entry
	}
	o.mu.Unlock()

	entry.mu.Lock()
	if !entry.fetched {
		data, cacheable := o.fetch(ctx, origin, userAgent)
		if !cacheable {
			// The caller's context died before the fetch could finish.
			// Allow this request but leave the entry unfetched so the
			// next caller gets a real answer.
			entry.mu.Unlock()
			return true
		}
		entry.data = data
		entry.fetched = true
	}
	data := entry.data
	entry.mu.Unlock()

	if data == nil {
		return true
	}
	return data.FindGroup(userAgent).Test(u.Path)
}

// fetch retrieves and parses robots.txt for an origin. Failures owned
// by the origin (non-200, network error, parse error) yield (nil,
// true): fail open and remember it. A failure caused by the caller's
// own context yields cacheable=false.
func (o *Oracle) fetch(ctx context.Context, origin, userAgent string) (*robotstxt.RobotsData, bool) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, true
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, true
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ctx.Err() == nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, true
	}
	return data, true
}
