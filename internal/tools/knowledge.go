package tools

import (
	"context"
	"encoding/json"
	"fmt"

	jsonschema "github.com/swaggest/jsonschema-go"
)

// KnowledgeResult is a single hit from the knowledge base.
type KnowledgeResult struct {
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	Category string  `json:"category"`
	Score    float32 `json:"score"`
}

// KnowledgeSearcher answers semantic queries against the knowledge base.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query, category string, limit int) ([]KnowledgeResult, error)
}

type knowledgeSearchInput struct {
	Query    string `json:"query" required:"true" description:"The search query to find relevant information"`
	Category string `json:"category,omitempty" enum:"products,policies,procedures,general" description:"Optional category to narrow down the search"`
}

type knowledgeSearchOutput struct {
	Results []KnowledgeResult `json:"results"`
	Message string            `json:"message"`
}

// KnowledgeSearchTool searches the knowledge base for product, policy, and
// procedure information.
type KnowledgeSearchTool struct {
	searcher KnowledgeSearcher
	limit    int
	schema   *jsonschema.Schema
}

// NewKnowledgeSearchTool creates the knowledge_base_search tool backed by the
// given searcher.
func NewKnowledgeSearchTool(searcher KnowledgeSearcher, limit int) *KnowledgeSearchTool {
	if limit <= 0 {
		limit = 5
	}
	return &KnowledgeSearchTool{
		searcher: searcher,
		limit:    limit,
		schema:   mustSchema(knowledgeSearchInput{}),
	}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_base_search" }

func (t *KnowledgeSearchTool) Description() string {
	return "Search the knowledge base for information about products, policies, or procedures. " +
		"Use this when the customer asks questions about company policies, product details, or how-to guides."
}

func (t *KnowledgeSearchTool) Schema() *jsonschema.Schema { return t.schema }

func (t *KnowledgeSearchTool) Execute(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error) {
	var input knowledgeSearchInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("tools: parse knowledge_base_search args: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("tools: knowledge_base_search: query is required")
	}

	if report != nil {
		report(25, "Searching knowledge base...")
	}

	results, err := t.searcher.Search(ctx, input.Query, input.Category, t.limit)
	if err != nil {
		return nil, fmt.Errorf("tools: knowledge_base_search: %w", err)
	}

	if report != nil {
		report(100, fmt.Sprintf("Found %d knowledge base entries", len(results)))
	}

	msg := fmt.Sprintf("Found %d knowledge base entries for %q", len(results), input.Query)
	if len(results) == 0 {
		msg = fmt.Sprintf("No knowledge base entries found for %q", input.Query)
	}
	return knowledgeSearchOutput{Results: results, Message: msg}, nil
}
