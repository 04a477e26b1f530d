package extract

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// fillMetadata populates the metadata fields of c from the full
// (uncleaned) document.
func fillMetadata(c *Content, doc *goquery.Document, base *url.URL) {
	metaContent := func(selector string) string {
		return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
	}

	// Title precedence: og:title, then <title>, then the first <h1>.
	c.Title = metaContent(`meta[property="og:title"]`)
	if c.Title == "" {
		c.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if c.Title == "" {
		c.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	c.Description = metaContent(`meta[name="description"]`)
	if c.Description == "" {
		c.Description = metaContent(`meta[property="og:description"]`)
	}

	c.OgImage = resolveRef(base, metaContent(`meta[property="og:image"]`))
	c.SiteName = metaContent(`meta[property="og:site_name"]`)
	c.Language = strings.TrimSpace(doc.Find("html").First().AttrOr("lang", ""))
	c.Author = metaContent(`meta[name="author"]`)
	c.PublishedAt = metaContent(`meta[property="article:published_time"]`)

	if c.Author == "" || c.PublishedAt == "" {
		author, published := scanJSONLD(doc)
		if c.Author == "" {
			c.Author = author
		}
		if c.PublishedAt == "" {
			c.PublishedAt = published
		}
	}

	if canonical := strings.TrimSpace(doc.Find(`link[rel="canonical"]`).First().AttrOr("href", "")); canonical != "" {
		c.CanonicalURL = resolveRef(base, canonical)
	}

	c.FaviconURL = findFavicon(doc, base)
}

// findFavicon returns the declared icon, or the conventional
// /favicon.ico location when the page declares none.
func findFavicon(doc *goquery.Document, base *url.URL) string {
	for _, selector := range []string{
		`link[rel="icon"]`,
		`link[rel="shortcut icon"]`,
		`link[rel="apple-touch-icon"]`,
	} {
		if href := strings.TrimSpace(doc.Find(selector).First().AttrOr("href", "")); href != "" {
			return resolveRef(base, href)
		}
	}
	return base.Scheme + "://" + base.Host + "/favicon.ico"
}

func resolveRef(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		u = base.ResolveReference(u)
	}
	return u.String()
}

// scanJSONLD pulls author and publication date out of schema.org
// structured data. Documents may carry a single object, an array, or
// an @graph wrapper; all three shapes are walked.
func scanJSONLD(doc *goquery.Document) (author, published string) {
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var raw any
		if err := json.Unmarshal([]byte(sel.Text()), &raw); err != nil {
			return true
		}
		author, published = walkJSONLD(raw, author, published)
		return author == "" || published == ""
	})
	return author, published
}

func walkJSONLD(node any, author, published string) (string, string) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			author, published = walkJSONLD(item, author, published)
		}
	case map[string]any:
		if published == "" {
			if s, ok := v["datePublished"].(string); ok {
				published = s
			}
		}
		if author == "" {
			author = jsonLDAuthorName(v["author"])
		}
		if graph, ok := v["@graph"]; ok {
			author, published = walkJSONLD(graph, author, published)
		}
	}
	return author, published
}

func jsonLDAuthorName(node any) string {
	switch v := node.(type) {
	case string:
		return v
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return name
		}
	case []any:
		for _, item := range v {
			if name := jsonLDAuthorName(item); name != "" {
				return name
			}
		}
	}
	return ""
}
