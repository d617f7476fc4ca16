package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vprof/internal/contextbuf"
	"github.com/kalambet/vprof/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chats   *session.Store
	Context *contextbuf.Buffer
}

// NewMCPServer creates an MCP server exposing the active chat's captured
// context to assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vprof",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vprof: captured study context (screen regions, recordings, uploads) for the active tutoring chat."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription("Return the captured context of the active chat."),
		),
		mcpGetContext(deps),
	)

	s.AddTool(
		mcp.NewTool("add_context",
			mcp.WithDescription("Append a labelled, timestamped entry to the active chat's context."),
			mcp.WithString("text", mcp.Description("The text to append"), mcp.Required()),
			mcp.WithString("label", mcp.Description("Entry label (default [Note])")),
		),
		mcpAddContext(deps),
	)

	s.AddTool(
		mcp.NewTool("list_chats",
			mcp.WithDescription("List chats, most recently updated first."),
		),
		mcpListChats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://active/context",
			"Active Chat Context",
			mcp.WithResourceDescription("Captured context of the active chat"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceActiveContext(deps),
	)

	return s
}

func mcpGetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, ok := deps.Chats.Active()
		if !ok {
			return mcpError("no active chat"), nil
		}
		if c.Context == "" {
			return mcpText("(empty)"), nil
		}
		return mcpText(c.Context), nil
	}
}

func mcpAddContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		label := req.GetString("label", LabelNote)

		appended, err := deps.Context.Append(text, label)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to append: %v", err)), nil
		}
		if !appended {
			return mcpText("Skipped: empty or identical to the previous entry"), nil
		}
		c, _ := deps.Chats.Active()
		return mcpText(fmt.Sprintf("Appended to chat %s", c.ID)), nil
	}
}

func mcpListChats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type chatResult struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
			Active    bool   `json:"active"`
		}

		active, _ := deps.Chats.Active()
		chats := deps.Chats.List()
		results := make([]chatResult, len(chats))
		for i, c := range chats {
			results[i] = chatResult{
				ID:        c.ID,
				Title:     c.Title,
				UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
				Active:    c.ID == active.ID,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceActiveContext(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		c, ok := deps.Chats.Active()
		if !ok {
			return nil, fmt.Errorf("no active chat")
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     c.Context,
			},
		}, nil
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
