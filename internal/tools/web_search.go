package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchUserAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchProvider abstracts one search backend.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
	Name() string
}

type searchResult struct {
	Title       string
	URL         string
	Description string
}

// WebSearchConfig selects and orders the search backends.
type WebSearchConfig struct {
	Provider          string // "brave" or "duckduckgo"
	FallbackProviders []string
	APIKey            string
	MaxResults        int
	Timeout           time.Duration
}

// WebSearchTool tries its providers in order; first success wins. Results
// are cached briefly so enforcement retries do not redo the search.
type WebSearchTool struct {
	providers  []SearchProvider
	cache      *webCache
	maxResults int
	timeout    time.Duration
}

func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	build := func(name string) SearchProvider {
		switch name {
		case "brave":
			if cfg.APIKey == "" {
				return nil
			}
			return newBraveProvider(cfg.APIKey)
		case "duckduckgo", "ddg":
			return newDuckDuckGoProvider()
		default:
			return nil
		}
	}

	var providers []SearchProvider
	seen := make(map[string]bool)
	for _, name := range append([]string{cfg.Provider}, cfg.FallbackProviders...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if p := build(name); p != nil {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		providers = append(providers, newDuckDuckGoProvider())
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 || maxResults > maxSearchCount {
		maxResults = defaultSearchCount
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WebSearchTool{
		providers:  providers,
		cache:      newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
		maxResults: maxResults,
		timeout:    timeout,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}

	count := t.maxResults
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}

	cacheKey := fmt.Sprintf("%s:%d", query, count)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_search cache hit", "query", query)
		return NewResult(cached)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var lastErr error
	for _, provider := range t.providers {
		results, err := provider.Search(ctx, query, count)
		if err != nil {
			slog.Warn("web_search provider failed", "provider", provider.Name(), "error", err)
			lastErr = err
			continue
		}
		formatted := formatSearchResults(query, results, provider.Name())
		t.cache.set(cacheKey, formatted)
		return NewResult(formatted)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
	}
	return ErrorResult("no search providers configured")
}

func formatSearchResults(query string, results []searchResult, provider string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, provider)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
