package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// WebSearchSchema defines the JSON schema for web_search parameters.
const WebSearchSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "Search query"
    },
    "limit": {
      "type": "integer",
      "description": "Maximum number of results",
      "minimum": 1,
      "maximum": 10,
      "default": 5
    }
  },
  "required": ["query"]
}`

// DefaultSearchEndpoint is the DuckDuckGo lite HTML interface.
const DefaultSearchEndpoint = "https://lite.duckduckgo.com/lite/"

// SearchResult is a single web_search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchTool scrapes the DuckDuckGo lite page for results.
type WebSearchTool struct {
	client   *http.Client
	endpoint string
}

// NewWebSearchTool creates a search tool. An empty endpoint selects DuckDuckGo lite.
func NewWebSearchTool(client *http.Client, endpoint string) *WebSearchTool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	return &WebSearchTool{client: client, endpoint: endpoint}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs and snippets of the top results."
}

func (t *WebSearchTool) Schema() []byte { return []byte(WebSearchSchema) }

// Invoke runs the query and returns []SearchResult.
func (t *WebSearchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.Limit <= 0 || params.Limit > 10 {
		params.Limit = 5
	}

	form := url.Values{}
	form.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseResults(string(body), params.Limit), nil
}

var (
	reResultLink    = regexp.MustCompile(`<a[^>]*href=['"]([^'"]+)['"][^>]*class=['"]result-link['"][^>]*>(.*?)</a>`)
	reResultLinkAlt = regexp.MustCompile(`<a[^>]*class=['"]result-link['"][^>]*href=['"]([^'"]+)['"][^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?s)<td[^>]*class=['"]result-snippet['"][^>]*>(.*?)</td>`)
)

func parseResults(doc string, limit int) []SearchResult {
	links := reResultLink.FindAllStringSubmatch(doc, -1)
	if len(links) == 0 {
		links = reResultLinkAlt.FindAllStringSubmatch(doc, -1)
	}
	snippets := reResultSnippet.FindAllStringSubmatch(doc, -1)

	results := make([]SearchResult, 0, limit)
	for i, m := range links {
		href := html.UnescapeString(strings.TrimSpace(m[1]))
		title := StripHTML(m[2])
		if href == "" || title == "" {
			continue
		}
		r := SearchResult{Title: title, URL: unwrapRedirect(href)}
		if i < len(snippets) {
			r.Snippet = StripHTML(snippets[i][1])
		}
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// unwrapRedirect resolves DuckDuckGo's //duckduckgo.com/l/?uddg=<target> links.
func unwrapRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// Ensure WebSearchTool implements the Tool interface.
var _ ports.Tool = (*WebSearchTool)(nil)
