package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crawlclean/internal/config"
)

// ExtractRequest asks the model to pull structured data out of a
// page's markdown according to a caller-supplied prompt.
type ExtractRequest struct {
	URL      string
	Markdown string
	Prompt   string
}

// ExtractResult is the structured output from the model.
type ExtractResult struct {
	Fields map[string]any
}

// Client is the abstraction used by the extract job executor.
type Client interface {
	ExtractFields(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// geminiClient implements Client using Google Gemini (Generative
// Language API) over plain net/http.
type geminiClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewClient constructs a Gemini-backed Client from config. Returns an
// error when no API key is configured so jobs fail fast with a clear
// message instead of a 401 from the provider.
func NewClient(cfg *config.Config) (Client, error) {
	g := cfg.LLM.Gemini
	if g.APIKey == "" {
		return nil, errors.New("gemini llm provider is not configured (missing apiKey)")
	}
	return &geminiClient{
		apiKey: g.APIKey,
		model:  g.Model,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// parseJSONFields attempts to parse a JSON object from the given
// content. It first tries the whole string, and if that fails it
// extracts the first {...} block. Models often wrap JSON in prose or
// code fences.
func parseJSONFields(content string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err == nil {
		return fields, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in content")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

type generateContentRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *geminiClient) ExtractFields(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	userContent := fmt.Sprintf(
		"You are a JSON-only extractor. Given markdown content from URL %s, follow this instruction and respond with a single JSON object and no extra text.\n\nInstruction: %s\n\nMarkdown:\n%s",
		req.URL, req.Prompt, req.Markdown)

	body := generateContentRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: userContent}}},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ExtractResult{}, err
	}

	base := c.baseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, c.model, url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return ExtractResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ExtractResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ExtractResult{}, fmt.Errorf("gemini generateContent failed with status %d", resp.StatusCode)
	}

	var parsed generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ExtractResult{}, err
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return ExtractResult{}, errors.New("gemini generateContent returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	fields, err := parseJSONFields(sb.String())
	if err != nil {
		return ExtractResult{}, fmt.Errorf("failed to parse JSON from model response: %w", err)
	}
	return ExtractResult{Fields: fields}, nil
}
