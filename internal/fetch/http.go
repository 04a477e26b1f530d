package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"crawlclean/internal/apperr"
	"crawlclean/internal/metrics"
)

const (
	maxAttempts    = 3
	backoffBase    = 2 * time.Second
	backoffCap     = 30 * time.Second
	maxBodyBytes   = 16 << 20
	defaultTimeout = 30 * time.Second
)

// browserHeaders make the plain HTTP client look like a desktop
// Chrome; plenty of sites serve degraded or blocked content to
// obvious bots.
var browserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.5",
	"Accept-Encoding":           "gzip, deflate, br",
	"DNT":                       "1",
	"Upgrade-Insecure-Requests": "1",
}

// HTTPFetcher fetches pages with net/http, following redirects and
// retrying transport failures with exponential backoff.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher. proxyURL may be empty.
func NewHTTPFetcher(timeout time.Duration, proxyURL string) (*HTTPFetcher, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		pu, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(pu)
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return nil, timeoutOrFetchError(ctx.Err())
			case <-time.After(backoff):
			}
		}

		res, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			metrics.RecordFetch(RendererHTTP, res.StatusCode, time.Since(start).Milliseconds())
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, timeoutOrFetchError(lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Setting Accept-Encoding by hand disables net/http's transparent
	// gzip handling, so decode whatever the server picked ourselves.
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return nil, gzErr
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Result{
		Body:        body,
		StatusCode:  resp.StatusCode,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		Renderer:    RendererHTTP,
	}, nil
}

// timeoutOrFetchError maps transport errors to the API taxonomy:
// deadline problems become FETCH_TIMEOUT, everything else FETCH_ERROR.
func timeoutOrFetchError(err error) error {
	if err == nil {
		err = errors.New("fetch failed")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Newf(apperr.CodeFetchTimeout, "fetch timed out: %v", err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.Newf(apperr.CodeFetchTimeout, "fetch timed out: %v", err)
	}
	return apperr.Newf(apperr.CodeFetchError, "fetch failed: %v", err)
}
