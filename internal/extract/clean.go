package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// removedTags never contain main content.
var removedTags = []string{
	"script", "style", "noscript", "iframe", "svg",
	"nav", "header", "footer", "aside", "form", "button",
}

// boilerplatePattern flags elements whose class or id marks them as
// chrome rather than content.
var boilerplatePattern = regexp.MustCompile(`(?i)(nav|navbar|menu|sidebar|footer|header|cookie|banner|popup|modal|\bad\b|advertisement)`)

// contentSelectors are tried in order when locating the main content
// region; the first match with a non-trivial amount of text wins.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	"#content",
	"#main-content",
	".post-content",
	".article-content",
	".entry-content",
	".content",
}

// cleanDocument returns a copy of doc with chrome elements removed.
// The original document is left untouched so metadata and link
// extraction still see the full page.
func cleanDocument(doc *goquery.Document) *goquery.Document {
	htmlStr, err := doc.Html()
	if err != nil {
		return doc
	}
	clone, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return doc
	}

	clone.Find(strings.Join(removedTags, ",")).Remove()

	clone.Find("*").Each(func(_ int, sel *goquery.Selection) {
		class, _ := sel.Attr("class")
		id, _ := sel.Attr("id")
		if class == "" && id == "" {
			return
		}
		if boilerplatePattern.MatchString(class + " " + id) {
			sel.Remove()
		}
	})

	return clone
}

// selectMainContent picks the densest content region of a cleaned
// document, falling back to <body>.
func selectMainContent(doc *goquery.Document) *goquery.Selection {
	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if len(strings.TrimSpace(sel.Text())) >= minContentChars {
			return sel
		}
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		return body
	}
	return doc.Selection
}
