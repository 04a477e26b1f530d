package store

import (
	"context"
	"encoding/json"
	"fmt"

	"crawlclean/internal/model"
)

const pageColumns = `id, url, url_hash, canonical_url, title, description, markdown,
	raw_html, content_hash, internal_links, external_links, word_count,
	read_time_minutes, page_count, og_image, favicon_url, site_name, language,
	author, published_at, renderer, status_code, error_code, error_message,
	fetched_at, created_at`

// UpsertPage writes a page keyed by its url_hash, replacing the
// previous extraction for the same logical URL.
func (s *Store) UpsertPage(ctx context.Context, p *model.Page) (*model.Page, error) {
	internal, err := json.Marshal(emptyIfNil(p.InternalLinks))
	if err != nil {
		return nil, fmt.Errorf("marshal internal links: %w", err)
	}
	external, err := json.Marshal(emptyIfNil(p.ExternalLinks))
	if err != nil {
		return nil, fmt.Errorf("marshal external links: %w", err)
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO pages (
			url, url_hash, canonical_url, title, description, markdown,
			raw_html, content_hash, internal_links, external_links, word_count,
			read_time_minutes, page_count, og_image, favicon_url, site_name,
			language, author, published_at, renderer, status_code, error_code,
			error_message, fetched_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (url_hash) DO UPDATE SET
			url = EXCLUDED.url,
			canonical_url = EXCLUDED.canonical_url,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			markdown = EXCLUDED.markdown,
			raw_html = EXCLUDED.raw_html,
			content_hash = EXCLUDED.content_hash,
			internal_links = EXCLUDED.internal_links,
			external_links = EXCLUDED.external_links,
			word_count = EXCLUDED.word_count,
			read_time_minutes = EXCLUDED.read_time_minutes,
			page_count = EXCLUDED.page_count,
			og_image = EXCLUDED.og_image,
			favicon_url = EXCLUDED.favicon_url,
			site_name = EXCLUDED.site_name,
			language = EXCLUDED.language,
			author = EXCLUDED.author,
			published_at = EXCLUDED.published_at,
			renderer = EXCLUDED.renderer,
			status_code = EXCLUDED.status_code,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			fetched_at = EXCLUDED.fetched_at
		RETURNING `+pageColumns,
		p.URL, p.URLHash, p.CanonicalURL, p.Title, p.Description, p.Markdown,
		p.RawHTML, p.ContentHash, internal, external, p.WordCount,
		p.ReadTimeMinutes, p.PageCount, p.OgImage, p.FaviconURL, p.SiteName,
		p.Language, p.Author, p.PublishedAt, p.Renderer, p.StatusCode,
		p.ErrorCode, p.ErrorMessage, p.FetchedAt,
	)
	return scanPage(row)
}

// GetPageByHash fetches the page for a normalized-URL hash.
func (s *Store) GetPageByHash(ctx context.Context, urlHash string) (*model.Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE url_hash = $1`, urlHash)
	return scanPage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (*model.Page, error) {
	var p model.Page
	var internal, external []byte
	err := row.Scan(
		&p.ID, &p.URL, &p.URLHash, &p.CanonicalURL, &p.Title, &p.Description,
		&p.Markdown, &p.RawHTML, &p.ContentHash, &internal, &external,
		&p.WordCount, &p.ReadTimeMinutes, &p.PageCount, &p.OgImage,
		&p.FaviconURL, &p.SiteName, &p.Language, &p.Author, &p.PublishedAt,
		&p.Renderer, &p.StatusCode, &p.ErrorCode, &p.ErrorMessage,
		&p.FetchedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(internal, &p.InternalLinks); err != nil {
		return nil, fmt.Errorf("unmarshal internal links: %w", err)
	}
	if err := json.Unmarshal(external, &p.ExternalLinks); err != nil {
		return nil, fmt.Errorf("unmarshal external links: %w", err)
	}
	return &p, nil
}

func emptyIfNil(links []string) []string {
	if links == nil {
		return []string{}
	}
	return links
}
