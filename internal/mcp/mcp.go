// Package mcp implements the Model Context Protocol server for Koe.
//
// The MCP server exposes the agent's support tools and session transcripts
// to MCP-compatible clients, so external agents can look up orders, FAQs,
// and the knowledge base through the same code paths the chat loop uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/koe/internal/storage"
	"github.com/ashita-ai/koe/internal/tools"
)

// Server wraps the MCP server with Koe's tool registry and storage.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *tools.Registry
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(registry *tools.Registry, db *storage.DB, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		db:       db,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"koe",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// koe://session/{id}/messages — full transcript of one session.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"koe://session/{id}/messages",
			"Session Transcript",
			mcplib.WithTemplateDescription("All messages of a chat session in order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionMessages,
	)

	// koe://session/{id}/tool-calls — tool invocation records of one session.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"koe://session/{id}/tool-calls",
			"Session Tool Calls",
			mcplib.WithTemplateDescription("Durable tool invocation records for a chat session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionToolCalls,
	)
}

func (s *Server) handleSessionMessages(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sessionID, err := sessionIDFromURI(request.Params.URI, "/messages")
	if err != nil {
		return nil, err
	}

	msgs, err := s.db.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("mcp: session messages: %w", err)
	}

	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal messages: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSessionToolCalls(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sessionID, err := sessionIDFromURI(request.Params.URI, "/tool-calls")
	if err != nil {
		return nil, err
	}

	calls, err := s.db.ListToolCalls(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("mcp: session tool calls: %w", err)
	}

	data, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal tool calls: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// sessionIDFromURI extracts the session id from koe://session/{id}<suffix>.
func sessionIDFromURI(uri, suffix string) (string, error) {
	const prefix = "koe://session/"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", fmt.Errorf("mcp: malformed resource URI %q", uri)
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: malformed resource URI %q", uri)
	}
	return id, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
