package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-shiori/go-readability"
)

const (
	fetchMaxBodyBytes  = 4 << 20 // 4 MiB transfer cap
	fetchMaxOutputRune = 40000   // cap on text returned to the model
)

// WebFetchTool downloads a page and returns readable markdown: article
// extraction first, whole-page HTML-to-markdown conversion as fallback.
type WebFetchTool struct {
	client *http.Client
	cache  *webCache
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its content as readable markdown"
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP(S) URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult(fmt.Sprintf("invalid url: %s", rawURL))
	}

	if cached, ok := t.cache.get(rawURL); ok {
		return NewResult(cached)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read failed: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	if strings.Contains(contentType, "html") || looksLikeHTML(body) {
		text = htmlToText(string(body), parsed)
	} else {
		text = string(body)
	}

	text = truncateRunes(strings.TrimSpace(text), fetchMaxOutputRune)
	out := fmt.Sprintf("Content of %s:\n\n%s", rawURL, text)
	t.cache.set(rawURL, out)
	return NewResult(out)
}

func htmlToText(html string, pageURL *url.URL) string {
	// Article extraction gives the cleanest result for content pages.
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		md, convErr := htmltomarkdown.NewConverter(pageURL.Host, true, nil).ConvertString(article.Content)
		if convErr == nil && strings.TrimSpace(md) != "" {
			if article.Title != "" {
				return "# " + article.Title + "\n\n" + md
			}
			return md
		}
		return article.TextContent
	}

	// Fallback: convert the whole document.
	md, convErr := htmltomarkdown.NewConverter(pageURL.Host, true, nil).ConvertString(html)
	if convErr != nil {
		return html
	}
	return md
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n\n[content truncated]"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
