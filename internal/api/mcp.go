package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkallio/worknotes/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store          *storage.Store
	Embedder       Embedder
	Index          IndexQuerier
	SearchMinScore float32
}

// NewMCPServer exposes the note base to MCP clients: semantic search,
// ingestion job polling, and a dead-letter listing for triage.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"worknotes",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("worknotes — personal work-note base with semantic search and PDF draft ingestion."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Semantically search work notes and return ranked matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("ingestion_status",
			mcp.WithDescription("Fetch the stored state of a PDF ingestion job, including its draft when ready."),
			mcp.WithString("job_id", mcp.Description("Ingestion job id"), mcp.Required()),
		),
		mcpIngestionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_dead_letters",
			mcp.WithDescription("List reconciliation retry items that exhausted their attempts and need manual action."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default 20)")),
		),
		mcpListDeadLetters(deps),
	)

	return s
}

func mcpSearchNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		vec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query failed: %v", err)), nil
		}
		matches, err := deps.Index.Query(ctx, vec, limit, deps.SearchMinScore)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]searchResult, 0, len(matches))
		for _, m := range matches {
			res := searchResult{ID: m.ID, Category: m.Metadata.Category, Score: m.Score}
			if note, err := deps.Store.GetNote(m.ID); err == nil {
				res.Title = note.Title
			}
			results = append(results, res)
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngestionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Store.GetJob(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("ingestion job not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load job: %v", err)), nil
		}

		b, err := json.Marshal(toJobResponse(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDeadLetters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		items, err := deps.Store.ListDeadLetters(limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list dead letters: %v", err)), nil
		}

		out := make([]retryItemResponse, 0, len(items))
		for _, item := range items {
			out = append(out, toRetryItemResponse(item))
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal items: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
