package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	userAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36"
	braveSearchURL  = "https://api.search.brave.com/res/v1/web/search"
	defaultMaxChars = 50000
)

// WebSearchTool searches the web using the Brave Search API.
type WebSearchTool struct {
	APIKey     string
	MaxResults int
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web. Returns titles, URLs, and snippets." }
func (t *WebSearchTool) Meta() Meta {
	return Meta{Cacheable: true, CacheTTLSeconds: 300, MaxRetries: 2, ParallelSafe: true}
}
func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"count": map[string]any{"type": "integer", "description": "Results (1-10)"},
		},
		"required": []string{"query"},
	}
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	apiKey := t.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("BRAVE_API_KEY")
	}
	if apiKey == "" {
		return "Error: BRAVE_API_KEY not configured", nil
	}

	query, _ := args["query"].(string)
	count := t.MaxResults
	if count == 0 {
		count = 5
	}
	if c, ok := args["count"].(float64); ok && c >= 1 && c <= 10 {
		count = int(c)
	}

	results, err := t.search(ctx, apiKey, query, count)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results for: %s", query), nil
	}
	return formatSearchResults(query, results, count), nil
}

func (t *WebSearchTool) search(ctx context.Context, apiKey, query string, count int) ([]braveResult, error) {
	req, _ := http.NewRequestWithContext(ctx, "GET", braveSearchURL, nil)
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data struct {
		Web struct {
			Results []braveResult `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data.Web.Results, nil
}

func formatSearchResults(query string, results []braveResult, count int) string {
	lines := []string{fmt.Sprintf("Results for: %s\n", query)}
	for i, item := range results {
		if i >= count {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s\n   %s", i+1, item.Title, item.URL))
		if item.Description != "" {
			lines = append(lines, "   "+item.Description)
		}
	}
	return strings.Join(lines, "\n")
}

// WebFetchTool fetches a URL and extracts readable content, either as plain
// text or with document structure kept as markdown.
type WebFetchTool struct {
	MaxChars int
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch URL and extract readable content." }
func (t *WebFetchTool) Meta() Meta {
	return Meta{Cacheable: true, CacheTTLSeconds: 300, MaxRetries: 1, ParallelSafe: true}
}
func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":         map[string]any{"type": "string", "description": "URL to fetch"},
			"extractMode": map[string]any{"type": "string", "enum": []string{"markdown", "text"}},
			"maxChars":    map[string]any{"type": "integer", "minimum": 100},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)

	if valid, msg := validateURL(rawURL); !valid {
		return fetchError(rawURL, "URL validation failed: "+msg), nil
	}

	maxChars := t.MaxChars
	if maxChars == 0 {
		maxChars = defaultMaxChars
	}
	if mc, ok := args["maxChars"].(float64); ok && mc >= 100 {
		maxChars = int(mc)
	}
	mode, _ := args["extractMode"].(string)
	if mode != "text" {
		mode = "markdown"
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	req, _ := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fetchError(rawURL, err.Error()), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*2)))
	if err != nil {
		return fetchError(rawURL, err.Error()), nil
	}

	doc := string(body)
	title := extractTitle(doc)

	var text string
	if mode == "markdown" {
		text = extractMarkdown(doc)
	} else {
		text = extractText(doc)
	}
	text = normalizeWhitespace(text)

	truncated := len(text) > maxChars
	if truncated {
		text = text[:maxChars]
	}

	result, _ := json.Marshal(map[string]any{
		"url":         rawURL,
		"finalUrl":    resp.Request.URL.String(),
		"status":      resp.StatusCode,
		"title":       title,
		"extractMode": mode,
		"truncated":   truncated,
		"length":      len(text),
		"text":        text,
	})
	return string(result), nil
}

func fetchError(rawURL, msg string) string {
	result, _ := json.Marshal(map[string]string{"error": msg, "url": rawURL})
	return string(result)
}

func validateURL(rawURL string) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err.Error()
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, fmt.Sprintf("Only http/https allowed, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return false, "Missing domain"
	}
	return true, ""
}

var (
	reScript  = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle   = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	reTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reHeading = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	reAnchor  = regexp.MustCompile(`(?is)<a\s[^>]*href=["']([^"']+)["'][^>]*>(.*?)</a>`)
	reListBul = regexp.MustCompile(`(?i)<li[^>]*>`)
	reBold    = regexp.MustCompile(`(?is)<(?:b|strong)[^>]*>(.*?)</(?:b|strong)>`)
	reItalic  = regexp.MustCompile(`(?is)<(?:i|em)[^>]*>(.*?)</(?:i|em)>`)
	reCode    = regexp.MustCompile(`(?is)<code[^>]*>(.*?)</code>`)
	reBlock   = regexp.MustCompile(`(?i)</?(?:p|div|section|article|br|tr|table|ul|ol|blockquote|pre)[^>]*>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reSpaces  = regexp.MustCompile(`[ \t]+`)
	reNL      = regexp.MustCompile(`\n{3,}`)
)

func extractTitle(doc string) string {
	m := reTitle.FindStringSubmatch(doc)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(reTag.ReplaceAllString(m[1], "")))
}

func dropNonContent(doc string) string {
	doc = reScript.ReplaceAllString(doc, "")
	doc = reStyle.ReplaceAllString(doc, "")
	return reComment.ReplaceAllString(doc, "")
}

// extractText strips all markup, leaving plain text.
func extractText(doc string) string {
	doc = dropNonContent(doc)
	doc = reBlock.ReplaceAllString(doc, "\n")
	doc = reTag.ReplaceAllString(doc, "")
	return strings.TrimSpace(html.UnescapeString(doc))
}

// extractMarkdown keeps headings, links, emphasis, and list structure so the
// model can follow the page layout and pick URLs to fetch next.
func extractMarkdown(doc string) string {
	doc = dropNonContent(doc)
	doc = reHeading.ReplaceAllStringFunc(doc, func(s string) string {
		m := reHeading.FindStringSubmatch(s)
		level := int(m[1][0] - '0')
		inner := strings.TrimSpace(reTag.ReplaceAllString(m[2], ""))
		return "\n" + strings.Repeat("#", level) + " " + inner + "\n"
	})
	doc = reAnchor.ReplaceAllStringFunc(doc, func(s string) string {
		m := reAnchor.FindStringSubmatch(s)
		label := strings.TrimSpace(reTag.ReplaceAllString(m[2], ""))
		if label == "" {
			return ""
		}
		href := m[1]
		if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return label
		}
		return fmt.Sprintf("[%s](%s)", label, href)
	})
	doc = reBold.ReplaceAllString(doc, "**$1**")
	doc = reItalic.ReplaceAllString(doc, "*$1*")
	doc = reCode.ReplaceAllString(doc, "`$1`")
	doc = reListBul.ReplaceAllString(doc, "\n- ")
	doc = reBlock.ReplaceAllString(doc, "\n")
	doc = reTag.ReplaceAllString(doc, "")
	return strings.TrimSpace(html.UnescapeString(doc))
}

func normalizeWhitespace(text string) string {
	text = reSpaces.ReplaceAllString(text, " ")
	return strings.TrimSpace(reNL.ReplaceAllString(text, "\n\n"))
}
