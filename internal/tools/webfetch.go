package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	jsonschema "github.com/swaggest/jsonschema-go"
)

const maxFetchBytes = 5 * 1024 * 1024

type webFetchInput struct {
	URL    string `json:"url" required:"true" description:"The URL to fetch content from"`
	Format string `json:"format,omitempty" enum:"text,markdown,html" description:"Output format (default markdown)"`
}

type webFetchOutput struct {
	Content     string `json:"content"`
	StatusCode  int    `json:"status_code"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// WebFetchTool downloads a page and returns it as plain text, markdown, or
// raw HTML.
type WebFetchTool struct {
	httpClient *http.Client
	schema     *jsonschema.Schema
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		schema: mustSchema(webFetchInput{}),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch the content of a web page by URL. Use this to read a specific page the customer " +
		"mentions or a result returned by web_search."
}

func (t *WebFetchTool) Schema() *jsonschema.Schema { return t.schema }

func (t *WebFetchTool) Execute(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error) {
	var input webFetchInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("tools: parse web_fetch args: %w", err)
	}
	if input.URL == "" {
		return nil, fmt.Errorf("tools: web_fetch: url is required")
	}
	if !strings.HasPrefix(input.URL, "http://") && !strings.HasPrefix(input.URL, "https://") {
		return nil, fmt.Errorf("tools: web_fetch: url must start with http:// or https://")
	}

	format := input.Format
	switch format {
	case "":
		format = "markdown"
	case "text", "markdown", "html":
	default:
		return nil, fmt.Errorf("tools: web_fetch: format must be one of: text, markdown, html")
	}

	if report != nil {
		report(25, fmt.Sprintf("Fetching %s...", input.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, input.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("tools: web_fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", "koe/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools: web_fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools: web_fetch: request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("tools: web_fetch: read response: %w", err)
	}

	if report != nil {
		report(75, "Converting content...")
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	isHTML := strings.Contains(contentType, "text/html")

	var out string
	switch format {
	case "text":
		if isHTML {
			out, err = htmlToText(content)
			if err != nil {
				out = content
			}
		} else {
			out = content
		}
	case "markdown":
		switch {
		case isHTML:
			out, err = htmlToMarkdown(content)
			if err != nil {
				out = "```html\n" + content + "\n```"
			}
		case strings.Contains(contentType, "application/json"):
			out = "```json\n" + content + "\n```"
		default:
			out = content
		}
	case "html":
		out = content
	}

	if report != nil {
		report(100, "Fetch complete")
	}
	return webFetchOutput{
		Content:     out,
		StatusCode:  resp.StatusCode,
		URL:         resp.Request.URL.String(),
		ContentType: contentType,
	}, nil
}

// htmlToText strips tags and collapses whitespace.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("tools: parse html: %w", err)
	}

	doc.Find("script, style").Each(func(_ int, s *goquery.Selection) {
		s.Remove()
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func htmlToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("tools: convert html to markdown: %w", err)
	}
	markdown = strings.TrimSpace(markdown)
	markdown = strings.ReplaceAll(markdown, "\n\n\n", "\n\n")
	return markdown, nil
}
