package extract

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"crawlclean/internal/apperr"
)

// extractPDF extracts plain text from a PDF body. pdfcpu works on
// files, so the body goes through a temp directory.
func extractPDF(body []byte, finalURL string) (*Content, error) {
	tempDir, err := os.MkdirTemp("", "crawlclean-pdf-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	tempFile := filepath.Join(tempDir, "doc.pdf")
	if err := os.WriteFile(tempFile, body, 0o644); err != nil {
		return nil, fmt.Errorf("write temp pdf: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeFetchError, "unreadable pdf: %v", err)
	}
	pageCount := pdfCtx.PageCount
	// Validation populates the document info dictionary fields on the
	// xref table (Title, Author, Subject, CreationDate).
	info := pdfCtx.XRefTable

	outDir := filepath.Join(tempDir, "pages")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pages dir: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		return nil, apperr.Newf(apperr.CodeFetchError, "pdf content extraction failed: %v", err)
	}

	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err == nil {
			pageTexts[pageNum] = string(content)
		}
	}

	var text strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		page, ok := pageTexts[pageNum]
		if !ok || strings.TrimSpace(page) == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(strings.TrimSpace(page))
	}

	return pdfContent(info, pageCount, text.String(), finalURL), nil
}

// pdfContent maps the document info dictionary onto page fields. An
// empty Title falls back to the URL basename.
func pdfContent(info *model.XRefTable, pageCount int, text, finalURL string) *Content {
	c := &Content{
		Title:       strings.TrimSpace(info.Title),
		Author:      strings.TrimSpace(info.Author),
		Description: strings.TrimSpace(info.Subject),
		PublishedAt: strings.TrimSpace(info.CreationDate),
		Markdown:    Postprocess(text),
		PageCount:   pageCount,
	}
	if c.Title == "" {
		c.Title = pdfTitle(finalURL)
	}
	finishContent(c)
	return c
}

// pdfTitle derives a human-readable title from the URL's basename.
func pdfTitle(finalURL string) string {
	u, err := url.Parse(finalURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.TrimSpace(name)
}
