package fetch

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"crawlclean/internal/apperr"
	"crawlclean/internal/metrics"
	"crawlclean/internal/urlutil"
)

// escalationWordThreshold is the stripped-text word count below which
// an auto-mode HTML response is assumed to be a JS shell.
const escalationWordThreshold = 150

// spaMarkers are substrings (compared lowercased) whose presence in an
// HTML body indicates a client-rendered app.
var spaMarkers = []string{
	`id="root"`,
	`id="app"`,
	`id="__next"`,
	`window.__next_data__`,
	`window.__nuxt__`,
	`__remix_manifest`,
}

// alwaysBrowserHosts render essentially nothing without JavaScript, so
// auto mode skips the HTTP attempt's verdict for them.
var alwaysBrowserHosts = map[string]struct{}{
	"react.dev":  {},
	"nextjs.org": {},
	"vercel.com": {},
	"github.com": {},
	"gitlab.com": {},
}

// Router picks between the HTTP and browser fetch paths. The browser
// fetcher may be nil, in which case escalation is unavailable and
// always-mode requests fail.
type Router struct {
	HTTP    Fetcher
	Browser Fetcher
}

// Fetch retrieves rawURL according to mode. In auto mode it tries the
// cheap HTTP path first and escalates to the browser when the response
// looks like a client-rendered shell.
func (r *Router) Fetch(ctx context.Context, rawURL string, mode RenderMode) (*Result, error) {
	switch mode {
	case RenderAlways:
		return r.fetchBrowser(ctx, rawURL)
	case RenderNever:
		return r.HTTP.Fetch(ctx, rawURL)
	}

	res, err := r.HTTP.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if r.Browser != nil && needsEscalation(res, rawURL) {
		metrics.IncrBrowserFallback()
		bres, berr := r.fetchBrowser(ctx, rawURL)
		if berr != nil {
			// The HTTP result is still usable; prefer it over a
			// browser failure.
			return res, nil
		}
		return bres, nil
	}

	return res, nil
}

func (r *Router) fetchBrowser(ctx context.Context, rawURL string) (*Result, error) {
	if r.Browser == nil {
		return nil, apperr.New(apperr.CodeFetchError, "browser rendering is not available")
	}
	return r.Browser.Fetch(ctx, rawURL)
}

// needsEscalation decides whether an HTTP result should be re-fetched
// with the browser: only for HTML, and only when the page is too thin,
// carries SPA markers, or lives on a host known to require JS.
func needsEscalation(res *Result, rawURL string) bool {
	if !strings.Contains(strings.ToLower(res.ContentType), "text/html") {
		return false
	}

	if _, ok := alwaysBrowserHosts[urlutil.HostOf(rawURL)]; ok {
		return true
	}

	body := strings.ToLower(string(res.Body))
	for _, marker := range spaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}

	return strippedWordCount(string(res.Body)) < escalationWordThreshold
}

// strippedWordCount counts whitespace-separated tokens of the HTML's
// visible text.
func strippedWordCount(htmlStr string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return 0
	}
	doc.Find("script,style,noscript").Remove()
	return len(strings.Fields(doc.Text()))
}
