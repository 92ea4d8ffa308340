package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// koe_knowledge_search — semantic search over the support knowledge base.
	if s.registry.Has("knowledge_base_search") {
		s.mcpServer.AddTool(
			mcplib.NewTool("koe_knowledge_search",
				mcplib.WithDescription("Search the customer-support knowledge base for relevant documentation"),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithString("query",
					mcplib.Description("What to search for"),
					mcplib.Required(),
				),
				mcplib.WithString("category",
					mcplib.Description("Optional filter: products, policies, procedures, or general"),
				),
			),
			s.toolHandler("knowledge_base_search", func(request mcplib.CallToolRequest) (map[string]any, error) {
				query := request.GetString("query", "")
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				args := map[string]any{"query": query}
				if c := request.GetString("category", ""); c != "" {
					args["category"] = c
				}
				return args, nil
			}),
		)
	}

	// koe_faq_lookup — frequently asked questions by topic.
	if s.registry.Has("faq_lookup") {
		s.mcpServer.AddTool(
			mcplib.NewTool("koe_faq_lookup",
				mcplib.WithDescription("Look up answers to frequently asked customer questions by topic"),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithString("topic",
					mcplib.Description("Topic to look up, e.g. returns, shipping, payment"),
					mcplib.Required(),
				),
			),
			s.toolHandler("faq_lookup", func(request mcplib.CallToolRequest) (map[string]any, error) {
				topic := request.GetString("topic", "")
				if topic == "" {
					return nil, fmt.Errorf("topic is required")
				}
				return map[string]any{"topic": topic}, nil
			}),
		)
	}

	// koe_order_lookup — order status by order id.
	if s.registry.Has("order_lookup") {
		s.mcpServer.AddTool(
			mcplib.NewTool("koe_order_lookup",
				mcplib.WithDescription("Look up the status and details of a customer order"),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithString("order_id",
					mcplib.Description("The order identifier, e.g. ORD-12345"),
					mcplib.Required(),
				),
			),
			s.toolHandler("order_lookup", func(request mcplib.CallToolRequest) (map[string]any, error) {
				orderID := request.GetString("order_id", "")
				if orderID == "" {
					return nil, fmt.Errorf("order_id is required")
				}
				return map[string]any{"order_id": orderID}, nil
			}),
		)
	}
}

// toolHandler bridges an MCP tool call onto a registry tool. extract pulls and
// validates the arguments from the MCP request.
func (s *Server) toolHandler(name string, extract func(mcplib.CallToolRequest) (map[string]any, error)) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args, err := extract(request)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		tool, ok := s.registry.Get(name)
		if !ok {
			return errorResult(fmt.Sprintf("tool %s not available", name)), nil
		}

		raw, err := json.Marshal(args)
		if err != nil {
			return errorResult(fmt.Sprintf("marshal arguments: %v", err)), nil
		}

		result, err := tool.Execute(ctx, raw, func(int, string) {})
		if err != nil {
			s.logger.Warn("mcp tool failed", "tool", name, "error", err)
			return errorResult(fmt.Sprintf("%s failed: %v", name, err)), nil
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(data)},
			},
		}, nil
	}
}
