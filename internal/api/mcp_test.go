package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/vprof/internal/contextbuf"
	"github.com/kalambet/vprof/internal/session"
	"github.com/kalambet/vprof/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *session.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	chats, err := session.Open(db)
	if err != nil {
		t.Fatalf("opening sessions: %v", err)
	}
	return MCPDeps{Chats: chats, Context: contextbuf.New(chats, 0)}, chats
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_AddContext(t *testing.T) {
	deps, chats := newTestMCPDeps(t)
	handler := mcpAddContext(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_context", map[string]interface{}{
		"text":  "chain rule: (f∘g)' = f'(g)·g'",
		"label": "[Lecture]",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	c, ok := chats.Active()
	if !ok {
		t.Fatal("expected an active chat to be created")
	}
	if !strings.Contains(c.Context, "[Lecture]:\nchain rule") {
		t.Fatalf("context = %q", c.Context)
	}

	// Same text again collapses.
	result, _ = handler(context.Background(), makeCallToolRequest("add_context", map[string]interface{}{
		"text": "chain rule: (f∘g)' = f'(g)·g'",
	}))
	if !strings.HasPrefix(toolText(t, result), "Skipped") {
		t.Fatalf("expected duplicate to be skipped, got %q", toolText(t, result))
	}
}

func TestMCPTool_AddContext_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpAddContext(deps)(context.Background(), makeCallToolRequest("add_context", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing text")
	}
}

func TestMCPTool_GetContext(t *testing.T) {
	deps, chats := newTestMCPDeps(t)

	result, _ := mcpGetContext(deps)(context.Background(), makeCallToolRequest("get_context", nil))
	if !result.IsError {
		t.Fatal("expected error without an active chat")
	}

	c, err := chats.Create("Calculus")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := chats.SetContext(c.ID, "limits"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	result, _ = mcpGetContext(deps)(context.Background(), makeCallToolRequest("get_context", nil))
	if got := toolText(t, result); got != "limits" {
		t.Fatalf("get_context = %q, want %q", got, "limits")
	}
}

func TestMCPTool_ListChats(t *testing.T) {
	deps, chats := newTestMCPDeps(t)
	if _, err := chats.Create("first"); err != nil {
		t.Fatal(err)
	}
	second, err := chats.Create("second")
	if err != nil {
		t.Fatal(err)
	}

	result, _ := mcpListChats(deps)(context.Background(), makeCallToolRequest("list_chats", nil))
	var got []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Active bool   `json:"active"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(got))
	}
	if got[0].ID != second.ID || !got[0].Active || got[1].Active {
		t.Fatalf("unexpected order or active flag: %+v", got)
	}
}

func TestMCPResource_ActiveContext(t *testing.T) {
	deps, chats := newTestMCPDeps(t)
	c, _ := chats.Create("")
	chats.SetContext(c.ID, "integration by parts")

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "chat://active/context"}}
	contents, err := mcpResourceActiveContext(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.Text != "integration by parts" || tc.URI != "chat://active/context" {
		t.Fatalf("unexpected resource: %+v", tc)
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("expected server")
	}
}
