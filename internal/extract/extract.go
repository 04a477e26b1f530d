package extract

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// minContentChars is the threshold below which the heuristic content
// selection is considered a failure and readability takes over.
const minContentChars = 100

// wordsPerMinute feeds the read-time estimate.
const wordsPerMinute = 200

// Content is the structured output of extraction for one page.
type Content struct {
	Title           string
	Description     string
	Markdown        string
	CanonicalURL    string
	InternalLinks   []string
	ExternalLinks   []string
	WordCount       int
	ReadTimeMinutes int
	OgImage         string
	FaviconURL      string
	SiteName        string
	Language        string
	Author          string
	PublishedAt     string
	PageCount       int
}

// Extract turns a fetched body into clean Markdown plus metadata.
// finalURL is the post-redirect URL and anchors relative references.
func Extract(body []byte, contentType, finalURL string) (*Content, error) {
	if isPDF(contentType, finalURL) {
		return extractPDF(body, finalURL)
	}
	return extractHTML(body, finalURL)
}

func extractHTML(body []byte, finalURL string) (*Content, error) {
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("parse final url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	c := &Content{}
	fillMetadata(c, doc, base)
	c.InternalLinks, c.ExternalLinks = collectLinks(doc, base)

	// Metadata and links come from the full document; content
	// selection works on a cleaned copy.
	cleaned := cleanDocument(doc)
	main := selectMainContent(cleaned)

	mainHTML, err := goquery.OuterHtml(main)
	if err != nil {
		mainHTML = ""
	}
	// Thin selections usually mean the heuristics grabbed the wrong
	// node; let readability take a shot. Its output is only trusted
	// when it recovers substantially more text than the selection did,
	// because readability rewrites the article markup (h1 becomes h2)
	// and a short page that survived the heuristics intact should not
	// pay that price.
	mainText := strings.TrimSpace(main.Text())
	if len(mainText) < minContentChars {
		if fb := readabilityFallback(body, base); strings.TrimSpace(fb) != "" {
			if len(textOfFragment(fb)) >= minContentChars {
				mainHTML = fb
			}
		}
	}

	converter := htmlmd.NewConverter(base.Hostname(), true, &htmlmd.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
	})
	markdown, err := converter.ConvertString(mainHTML)
	if err != nil {
		markdown = main.Text()
	}

	if tables := renderTables(cleaned); tables != "" {
		markdown = markdown + "\n\n" + tables
	}

	c.Markdown = Postprocess(markdown)
	finishContent(c)
	return c, nil
}

// readabilityFallback runs go-readability over the raw document and
// returns the article HTML, or empty on failure.
func readabilityFallback(body []byte, base *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil {
		return ""
	}
	return article.Content
}

// textOfFragment returns the rendered text of an HTML fragment, used
// to compare candidate selections by content volume.
func textOfFragment(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}

// finishContent derives the fields computed from final markdown.
func finishContent(c *Content) {
	c.WordCount = len(strings.Fields(c.Markdown))
	c.ReadTimeMinutes = int(math.Round(float64(c.WordCount) / wordsPerMinute))
}

func isPDF(contentType, finalURL string) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	u, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}
