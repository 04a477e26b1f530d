package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Query parameters dropped during normalization. Prefix entries match
// any key starting with the prefix; exact entries match the whole key.
// Comparison is case-insensitive on the key.
var (
	trackingPrefixes = []string{"utm_", "mc_"}
	trackingKeys     = map[string]struct{}{
		"fbclid": {},
		"gclid":  {},
		"ref":    {},
		"source": {},
	}
)

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	for _, p := range trackingPrefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	_, ok := trackingKeys[k]
	return ok
}

// Normalize canonicalizes a URL so that trivially different spellings
// of the same resource map to the same string (and therefore the same
// cache key). base may be nil; when provided, relative references are
// resolved against it. Normalize is idempotent.
func Normalize(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if base != nil && !u.IsAbs() {
		u = base.ResolveReference(u)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	port := u.Port()
	switch {
	case port == "",
		u.Scheme == "http" && port == "80",
		u.Scheme == "https" && port == "443":
		u.Host = host
	default:
		u.Host = host + ":" + port
	}

	u.Fragment = ""
	u.RawFragment = ""

	// Rebuild the query: drop tracking params, sort the rest by key.
	// Blank values are kept ("?q=" stays "?q=").
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			if isTrackingParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, k := range keys {
			for _, v := range q[k] {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// Hash returns the hex SHA-256 of a normalized URL. It is the primary
// key for both cache tiers and the pages table.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HostOf returns the lowercased hostname with any leading "www."
// stripped, for host-equality comparisons.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
