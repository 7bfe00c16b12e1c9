package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zh-he/docqa/internal/index"
)

// Searcher abstracts raw retrieval for the MCP layer.
type Searcher interface {
	Search(ctx context.Context, sessionID, query string, k int) ([]index.Chunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service  Service
	Searcher Searcher
}

// NewMCPServer creates an MCP server exposing document question answering
// as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docqa",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("docqa answers questions grounded in uploaded documents, with per-session conversation history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question against the indexed documents. The answer is grounded in retrieved document chunks when relevant ones exist."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Session id for conversation history (default \"mcp\")")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the indexed documents and return matching chunks with scores, without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Session id whose index to search (default \"mcp\")")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List the known conversation sessions."),
		),
		mcpListSessions(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		sessionID := req.GetString("session", "mcp")

		result, err := deps.Service.Ask(ctx, sessionID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to answer: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		sessionID := req.GetString("session", "mcp")

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Searcher.Search(ctx, sessionID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(chunks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := deps.Service.ListSessions()
		if sessions == nil {
			sessions = []string{}
		}
		b, err := json.Marshal(sessions)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
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
