package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// WebFetchSchema defines the JSON schema for web_fetch parameters.
const WebFetchSchema = `{
  "type": "object",
  "properties": {
    "url": {
      "type": "string",
      "description": "Absolute http(s) URL of the page to read"
    },
    "max_bytes": {
      "type": "integer",
      "description": "Maximum characters of page text to return",
      "minimum": 256,
      "maximum": 65536,
      "default": 16384
    }
  },
  "required": ["url"]
}`

const (
	defaultFetchBytes = 16 * 1024
	maxFetchBytes     = 64 * 1024
	userAgent         = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// PageContent is the web_fetch result handed back to the model.
type PageContent struct {
	URL       string `json:"url"`
	Status    int    `json:"status"`
	Text      string `json:"text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebFetchTool downloads a page and returns its visible text.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates a fetch tool. A nil client gets a 20s timeout.
func NewWebFetchTool(client *http.Client) *WebFetchTool {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &WebFetchTool{client: client}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Download a web page and return its readable text."
}

func (t *WebFetchTool) Schema() []byte { return []byte(WebFetchSchema) }

// Invoke fetches params.url. HTTP-level failures are reported inside the
// result so the model can react; only malformed arguments are errors.
func (t *WebFetchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		URL      string `json:"url"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	target := strings.TrimSpace(params.URL)
	if target == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nil, fmt.Errorf("url must be http(s): %s", target)
	}
	if params.MaxBytes <= 0 {
		params.MaxBytes = defaultFetchBytes
	}
	if params.MaxBytes > maxFetchBytes {
		params.MaxBytes = maxFetchBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return PageContent{URL: target, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxFetchBytes))
	if err != nil {
		return PageContent{URL: target, Status: resp.StatusCode, Error: err.Error()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return PageContent{URL: target, Status: resp.StatusCode, Error: fmt.Sprintf("http %d", resp.StatusCode)}, nil
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || strings.Contains(text, "<html") {
		text = StripHTML(text)
	}

	page := PageContent{URL: target, Status: resp.StatusCode}
	if len(text) > params.MaxBytes {
		cut := params.MaxBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		page.Truncated = true
	}
	page.Text = text
	return page, nil
}

var (
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reChrome     = regexp.MustCompile(`(?is)<(nav|header|footer)[^>]*>.*?</(nav|header|footer)>`)
	reBlockEnd   = regexp.MustCompile(`(?i)</(p|div|li|tr|h[1-6])>|<br\s*/?>`)
	reTags       = regexp.MustCompile(`<[^>]+>`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes scripts, styles and page chrome, then all tags, and
// collapses whitespace.
func StripHTML(doc string) string {
	s := reScript.ReplaceAllString(doc, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reChrome.ReplaceAllString(s, "")
	s = reBlockEnd.ReplaceAllString(s, "\n")
	s = reTags.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = reWhitespace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	s = strings.Join(out, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Ensure WebFetchTool implements the Tool interface.
var _ ports.Tool = (*WebFetchTool)(nil)
