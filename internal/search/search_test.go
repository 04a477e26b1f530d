package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestProvider(url string) *SerperProvider {
	return &SerperProvider{
		apiKey:  "test-key",
		baseURL: url,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["q"] != "golang fiber" {
			t.Errorf("unexpected query: %v", req["q"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"organic": []any{
				map[string]any{"title": "Fiber", "link": "https://gofiber.io", "snippet": "Express inspired", "position": 1},
				map[string]any{"title": "GitHub", "link": "https://github.com/gofiber/fiber", "snippet": "repo", "position": 2},
				map[string]any{"title": "no link", "snippet": "dropped"},
			},
		})
	}))
	defer srv.Close()

	results, err := newTestProvider(srv.URL).Search(context.Background(), "golang fiber", 5)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != "https://gofiber.io" || results[0].Position != 1 {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
}

func TestSerperSearchLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"organic": []any{
				map[string]any{"title": "a", "link": "https://a.example", "position": 1},
				map[string]any{"title": "b", "link": "https://b.example", "position": 2},
				map[string]any{"title": "c", "link": "https://c.example", "position": 3},
			},
		})
	}))
	defer srv.Close()

	results, err := newTestProvider(srv.URL).Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("limit not applied, got %d results", len(results))
	}
}

func TestSerperSearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := newTestProvider(srv.URL).Search(context.Background(), "q", 5); err == nil {
		t.Fatalf("expected error on non-2xx status")
	}
}
