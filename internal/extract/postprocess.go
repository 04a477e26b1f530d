package extract

import (
	"regexp"
	"strings"
)

// shortLineLimit bounds cookie-consent and breadcrumb line detection
// so real sentences mentioning cookies survive.
const shortLineLimit = 100

// maxConsecutiveRepeats is how many times an identical line may repeat
// before the extras are dropped.
const maxConsecutiveRepeats = 3

var (
	blankRunPattern   = regexp.MustCompile(`\n{3,}`)
	symbolLinePattern = regexp.MustCompile(`^[ \t]*[\-\*\/\=\_\~\+\#\>\.]+[ \t]*$`)
	breadcrumbPattern = regexp.MustCompile(`^[^>\n]{1,40}(\s*>\s*[^>\n]{1,40}){2,}$`)
	headingPattern    = regexp.MustCompile(`^#{1,6} `)
)

var cookiePhrases = []string{
	"we use cookies",
	"accept all",
	"privacy policy",
	"cookie settings",
	"manage cookies",
}

// Postprocess scrubs converter artifacts and page boilerplate out of
// raw markdown: symbol-only rules, cookie banners that survived DOM
// cleaning, breadcrumb trails, and runaway repetition.
func Postprocess(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))

	var prevLine string
	repeats := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// A blank line ends a run: only directly consecutive identical
		// lines count as repeats.
		if trimmed == "" {
			prevLine = ""
			repeats = 0
			out = append(out, line)
			continue
		}

		if symbolLinePattern.MatchString(line) {
			continue
		}
		if isCookieLine(trimmed) {
			continue
		}
		if len(trimmed) < shortLineLimit && breadcrumbPattern.MatchString(trimmed) {
			continue
		}

		if trimmed == prevLine {
			repeats++
			if repeats >= maxConsecutiveRepeats {
				continue
			}
		} else {
			prevLine = trimmed
			repeats = 1
		}

		out = append(out, line)
	}

	result := strings.Join(out, "\n")
	result = spaceHeadings(result)
	result = blankRunPattern.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

func isCookieLine(trimmed string) bool {
	if len(trimmed) >= shortLineLimit {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range cookiePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// spaceHeadings guarantees a blank line before and after ATX headings.
func spaceHeadings(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))

	for i, line := range lines {
		isHeading := headingPattern.MatchString(strings.TrimSpace(line))
		if isHeading && len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
		out = append(out, line)
		if isHeading && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			out = append(out, "")
		}
	}

	return strings.Join(out, "\n")
}
