// Package mcp implements the Model Context Protocol server for Conclave.
//
// The MCP server exposes the decision lifecycle as MCP tools and
// resources, allowing MCP-compatible AI agents to propose decisions,
// cast votes, and inspect outcomes without speaking the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/conclave-ai/conclave/internal/engine"
	"github.com/conclave-ai/conclave/internal/storage"
)

// Server wraps the MCP server around Conclave's decision registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *engine.Registry
	db        *storage.DB
}

// New creates and configures a new MCP server with all resources and tools.
func New(registry *engine.Registry, db *storage.DB) *Server {
	s := &Server{
		registry: registry,
		db:       db,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"conclave",
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
	// conclave://decisions/active — decisions currently accepting votes.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"conclave://decisions/active",
			"Active Decisions",
			mcplib.WithResourceDescription("Decisions currently accepting votes"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveDecisions,
	)

	// conclave://decisions/recent — recently created decisions, any status.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"conclave://decisions/recent",
			"Recent Decisions",
			mcplib.WithResourceDescription("Recently created decisions across all statuses"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentDecisions,
	)

	// conclave://metrics — engine aggregates and per-agent standing.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"conclave://metrics",
			"Engine Metrics",
			mcplib.WithResourceDescription("Resolution totals, success rate, and per-agent reputation"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMetrics,
	)
}

func (s *Server) handleActiveDecisions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	decisions := s.registry.ActiveDecisions()

	data, err := json.MarshalIndent(map[string]any{
		"decisions": decisions,
		"total":     len(decisions),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal active decisions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "conclave://decisions/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentDecisions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	decisions, err := s.db.ListDecisions(ctx, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent decisions: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"decisions": decisions,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal decisions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "conclave://decisions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMetrics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.registry.Metrics(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal metrics: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "conclave://metrics",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
