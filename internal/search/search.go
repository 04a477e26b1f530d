package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"crawlclean/internal/config"
)

// Result represents a single organic search hit.
type Result struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

// Provider defines the contract for pluggable search providers.
// Implementations map a query into provider-specific API calls and
// normalize results back into the shared Result shape.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// NewProviderFromConfig constructs a search Provider from config.
// Today this supports only Serper.dev, but the interface is narrow so
// other providers can be added without touching callers.
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if !cfg.Search.Enabled {
		return nil, fmt.Errorf("search disabled in configuration")
	}
	return NewSerperProvider(cfg.Search)
}

// SerperProvider implements Provider using the Serper.dev JSON API.
type SerperProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSerperProvider creates a SerperProvider from SearchConfig.
func NewSerperProvider(cfg config.SearchConfig) (*SerperProvider, error) {
	if cfg.Serper.APIKey == "" {
		return nil, fmt.Errorf("serper.apiKey is required when search is enabled")
	}
	timeoutMs := cfg.Serper.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	return &SerperProvider{
		apiKey:  cfg.Serper.APIKey,
		baseURL: "https://google.serper.dev",
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}, nil
}

// serperResponse models only the subset of the Serper JSON response
// needed for organic web search.
type serperResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
}

// Search runs a web search and returns up to limit organic results.
func (p *SerperProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}

	payload, err := json.Marshal(map[string]any{"q": query, "num": limit})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("serper search failed with status %d", resp.StatusCode)
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}

	out := make([]Result, 0, limit)
	for _, r := range parsed.Organic {
		if len(out) >= limit {
			break
		}
		if r.Link == "" {
			continue
		}
		out = append(out, Result{
			Title:    r.Title,
			URL:      r.Link,
			Snippet:  r.Snippet,
			Position: r.Position,
		})
	}
	return out, nil
}
