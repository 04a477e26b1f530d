package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Simple Prometheus-style metrics for the extraction pipeline.
// This is intentionally minimal and in-memory only.

var (
	mu sync.RWMutex

	jobsTotal       = make(map[jobKey]int64)
	fetchTotal      = make(map[fetchKey]int64)
	activeJobs      = make(map[string]int64)
	browserFallback int64
	cacheHits       int64
	hashHits        int64
	robotsBlocked   int64
	ssrfBlocked     int64
	rateLimited     int64

	fetchDurations []durationSample
)

type jobKey struct {
	Type   string
	Status string
}

type fetchKey struct {
	Renderer   string
	StatusCode int
}

type durationSample struct {
	At time.Time
	Ms int64
}

// durationWindow is how long fetch duration samples are kept for the
// percentile summary.
const durationWindow = 5 * time.Minute

// RecordJob increments the terminal-state counter for a job type.
func RecordJob(jobType, status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsTotal[jobKey{Type: jobType, Status: status}]++
}

// AddActiveJobs adjusts the running-jobs gauge for a job type.
func AddActiveJobs(jobType string, delta int64) {
	mu.Lock()
	defer mu.Unlock()
	activeJobs[jobType] += delta
	if activeJobs[jobType] < 0 {
		activeJobs[jobType] = 0
	}
}

// RecordFetch increments the fetch counter and records its duration
// into the rolling percentile window.
func RecordFetch(renderer string, statusCode int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	fetchTotal[fetchKey{Renderer: renderer, StatusCode: statusCode}]++

	now := time.Now()
	fetchDurations = append(fetchDurations, durationSample{At: now, Ms: latencyMs})
	pruneDurationsLocked(now)
}

func pruneDurationsLocked(now time.Time) {
	cutoff := now.Add(-durationWindow)
	i := 0
	for i < len(fetchDurations) && fetchDurations[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		fetchDurations = append(fetchDurations[:0], fetchDurations[i:]...)
	}
}

func IncrBrowserFallback() { incr(&browserFallback) }
func IncrCacheHit()        { incr(&cacheHits) }
func IncrHashHit()         { incr(&hashHits) }
func IncrRobotsBlocked()   { incr(&robotsBlocked) }
func IncrSSRFBlocked()     { incr(&ssrfBlocked) }
func IncrRateLimited()     { incr(&rateLimited) }

func incr(counter *int64) {
	mu.Lock()
	*counter++
	mu.Unlock()
}

// percentileLocked returns the p-th percentile (0..1) of the sorted
// duration samples using nearest-rank.
func percentileLocked(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP crawlclean_jobs_total Jobs finished by type and status\n")
	b.WriteString("# TYPE crawlclean_jobs_total counter\n")

	// Sort keys for stable output
	var jobKeys []jobKey
	for k := range jobsTotal {
		jobKeys = append(jobKeys, k)
	}
	sort.Slice(jobKeys, func(i, j int) bool {
		if jobKeys[i].Type != jobKeys[j].Type {
			return jobKeys[i].Type < jobKeys[j].Type
		}
		return jobKeys[i].Status < jobKeys[j].Status
	})
	for _, k := range jobKeys {
		fmt.Fprintf(&b, "crawlclean_jobs_total{type=%q,status=%q} %d\n", k.Type, k.Status, jobsTotal[k])
	}

	b.WriteString("# HELP crawlclean_active_jobs Jobs currently running by type\n")
	b.WriteString("# TYPE crawlclean_active_jobs gauge\n")

	var jobTypes []string
	for t := range activeJobs {
		jobTypes = append(jobTypes, t)
	}
	sort.Strings(jobTypes)
	for _, t := range jobTypes {
		fmt.Fprintf(&b, "crawlclean_active_jobs{type=%q} %d\n", t, activeJobs[t])
	}

	b.WriteString("# HELP crawlclean_fetch_total Page fetches by renderer and status code\n")
	b.WriteString("# TYPE crawlclean_fetch_total counter\n")

	var fetchKeys []fetchKey
	for k := range fetchTotal {
		fetchKeys = append(fetchKeys, k)
	}
	sort.Slice(fetchKeys, func(i, j int) bool {
		if fetchKeys[i].Renderer != fetchKeys[j].Renderer {
			return fetchKeys[i].Renderer < fetchKeys[j].Renderer
		}
		return fetchKeys[i].StatusCode < fetchKeys[j].StatusCode
	})
	for _, k := range fetchKeys {
		fmt.Fprintf(&b, "crawlclean_fetch_total{renderer=%q,status_code=\"%d\"} %d\n",
			k.Renderer, k.StatusCode, fetchTotal[k])
	}

	for _, c := range []struct {
		name, help string
		value      int64
	}{
		{"crawlclean_browser_fallback_total", "Auto-mode fetches escalated to the browser renderer", browserFallback},
		{"crawlclean_cache_hits_total", "Scrape responses served from either cache tier", cacheHits},
		{"crawlclean_hash_hits_total", "Refetches short-circuited by an unchanged content hash", hashHits},
		{"crawlclean_robots_blocked_total", "Fetches denied by robots.txt", robotsBlocked},
		{"crawlclean_ssrf_blocked_total", "URLs rejected by the SSRF guard", ssrfBlocked},
		{"crawlclean_rate_limit_total", "Requests denied by the per-key rate limit", rateLimited},
	} {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, c.value)
	}

	// Fetch duration percentiles over the rolling window.
	sorted := make([]int64, 0, len(fetchDurations))
	cutoff := time.Now().Add(-durationWindow)
	for _, s := range fetchDurations {
		if !s.At.Before(cutoff) {
			sorted = append(sorted, s.Ms)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	b.WriteString("# HELP crawlclean_fetch_duration_ms Fetch duration percentiles over the last 5 minutes\n")
	b.WriteString("# TYPE crawlclean_fetch_duration_ms summary\n")
	fmt.Fprintf(&b, "crawlclean_fetch_duration_ms{quantile=\"0.5\"} %d\n", percentileLocked(sorted, 0.50))
	fmt.Fprintf(&b, "crawlclean_fetch_duration_ms{quantile=\"0.95\"} %d\n", percentileLocked(sorted, 0.95))
	fmt.Fprintf(&b, "crawlclean_fetch_duration_ms{quantile=\"0.99\"} %d\n", percentileLocked(sorted, 0.99))
	fmt.Fprintf(&b, "crawlclean_fetch_duration_ms_count %d\n", len(sorted))

	return b.String()
}

// Reset clears all metric state. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	jobsTotal = make(map[jobKey]int64)
	fetchTotal = make(map[fetchKey]int64)
	activeJobs = make(map[string]int64)
	browserFallback, cacheHits, hashHits = 0, 0, 0
	robotsBlocked, ssrfBlocked, rateLimited = 0, 0, 0
	fetchDurations = nil
}
