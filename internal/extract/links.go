package extract

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"crawlclean/internal/urlutil"
)

// skippedSchemes are href prefixes that are not fetchable pages.
var skippedSchemes = []string{"mailto:", "tel:", "javascript:", "data:"}

// collectLinks gathers all outbound anchors, normalizes them, and
// partitions them by host equality with the page's own host. Both
// slices come back deduplicated and sorted.
func collectLinks(doc *goquery.Document, base *url.URL) (internal, external []string) {
	pageHost := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")

	internalSet := make(map[string]struct{})
	externalSet := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		for _, scheme := range skippedSchemes {
			if strings.HasPrefix(lower, scheme) {
				return
			}
		}

		normalized, err := urlutil.Normalize(href, base)
		if err != nil {
			return
		}
		if urlutil.HostOf(normalized) == pageHost {
			internalSet[normalized] = struct{}{}
		} else {
			externalSet[normalized] = struct{}{}
		}
	})

	return sortedKeys(internalSet), sortedKeys(externalSet)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
