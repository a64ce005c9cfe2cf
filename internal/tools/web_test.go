package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	ok, _ := validateURL("https://example.com/page")
	assert.True(t, ok)

	ok, msg := validateURL("ftp://example.com")
	assert.False(t, ok)
	assert.Contains(t, msg, "http/https")

	ok, _ = validateURL("https://")
	assert.False(t, ok)
}

func TestExtractText(t *testing.T) {
	doc := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>` +
		`<body><h1>Title</h1><p>Some   text &amp; more</p><!-- hidden --></body></html>`
	text := normalizeWhitespace(extractText(doc))
	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "Some text & more")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "hidden")
}

func TestExtractMarkdown(t *testing.T) {
	doc := `<body><h2 class="x">Docs</h2>` +
		`<p>See <a href="https://example.com/guide">the guide</a> or <a href="#top">top</a>.</p>` +
		`<ul><li>first</li><li>second</li></ul>` +
		`<p><strong>bold</strong> and <em>soft</em> and <code>run()</code></p></body>`
	md := normalizeWhitespace(extractMarkdown(doc))
	assert.Contains(t, md, "## Docs")
	assert.Contains(t, md, "[the guide](https://example.com/guide)")
	assert.Contains(t, md, "top.")
	assert.NotContains(t, md, "(#top)")
	assert.Contains(t, md, "- first")
	assert.Contains(t, md, "- second")
	assert.Contains(t, md, "**bold**")
	assert.Contains(t, md, "*soft*")
	assert.Contains(t, md, "`run()`")
}

func TestWebFetchReturnsStructuredResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><head><title>My Page</title></head><body><p>fetched content</p></body></html>"))
	}))
	defer srv.Close()

	tool := &WebFetchTool{}
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	var result struct {
		Status      int    `json:"status"`
		Title       string `json:"title"`
		ExtractMode string `json:"extractMode"`
		Truncated   bool   `json:"truncated"`
		Text        string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, "My Page", result.Title)
	assert.Equal(t, "markdown", result.ExtractMode)
	assert.False(t, result.Truncated)
	assert.Contains(t, result.Text, "fetched content")
}

func TestWebFetchExtractModes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<body><h1>Head</h1><p><a href="https://example.com/x">link</a></p></body>`))
	}))
	defer srv.Close()

	tool := &WebFetchTool{}

	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL, "extractMode": "markdown"})
	require.NoError(t, err)
	var md struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &md))
	assert.Contains(t, md.Text, "# Head")
	assert.Contains(t, md.Text, "[link](https://example.com/x)")

	out, err = tool.Execute(context.Background(), map[string]any{"url": srv.URL, "extractMode": "text"})
	require.NoError(t, err)
	var plain struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plain))
	assert.Contains(t, plain.Text, "Head")
	assert.Contains(t, plain.Text, "link")
	assert.NotContains(t, plain.Text, "](")
}

func TestWebFetchRejectsBadScheme(t *testing.T) {
	tool := &WebFetchTool{}
	out, err := tool.Execute(context.Background(), map[string]any{"url": "file:///etc/passwd"})
	require.NoError(t, err)
	assert.Contains(t, out, "URL validation failed")
}

func TestWebSearchRequiresKey(t *testing.T) {
	t.Setenv("BRAVE_API_KEY", "")
	tool := &WebSearchTool{}
	out, err := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.Contains(t, out, "BRAVE_API_KEY not configured")
}
