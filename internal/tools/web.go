package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const webTimeout = 20 * time.Second

// WebSearcher abstracts the external search provider so the tool itself
// stays provider-agnostic; callers wire in whatever search API they hold
// credentials for.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// WebSearchTool queries an external search provider.
type WebSearchTool struct {
	Searcher WebSearcher
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web for a query and return a summary of results." }
func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, ok := argString(args, "query")
	if !ok {
		return "", fmt.Errorf("web_search: missing query argument")
	}
	ctx, cancel := context.WithTimeout(ctx, webTimeout)
	defer cancel()
	return t.Searcher.Search(ctx, query)
}

// WebReaderTool fetches a URL and returns its body text, bounded by a 20s
// timeout and a capped read so a worker can't be stalled by a slow or
// unbounded remote response.
type WebReaderTool struct {
	Client *http.Client
}

func (t *WebReaderTool) Name() string        { return "web_reader" }
func (t *WebReaderTool) Description() string { return "Fetch a URL and return its text content." }
func (t *WebReaderTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string"},
		},
		"required": []string{"url"},
	}
}

const webReaderCap = 512 * 1024

func (t *WebReaderTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url, ok := argString(args, "url")
	if !ok {
		return "", fmt.Errorf("web_reader: missing url argument")
	}

	ctx, cancel := context.WithTimeout(ctx, webTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("web_reader: %w", err)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web_reader: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webReaderCap))
	if err != nil {
		return "", fmt.Errorf("web_reader: %w", err)
	}
	return string(body), nil
}
