package fetch

import "context"

// RenderMode selects how a URL is fetched.
type RenderMode string

const (
	RenderAuto   RenderMode = "auto"
	RenderAlways RenderMode = "always"
	RenderNever  RenderMode = "never"
)

// Renderer labels which fetch path produced a result.
const (
	RendererHTTP    = "http"
	RendererBrowser = "browser"
)

// Result is the raw output of a fetch, before extraction.
type Result struct {
	Body        []byte
	StatusCode  int
	FinalURL    string
	ContentType string
	Renderer    string
}

// Fetcher retrieves a URL. Non-2xx responses are results, not errors;
// errors are reserved for transport failures and timeouts.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Result, error)
}
