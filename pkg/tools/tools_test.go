package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"search", "search"},
		{"web.search", "web_search"},
		{"my tool!", "my_tool_"},
		{"a-b_C9", "a-b_C9"},
		{"ünïcode", "_n_code"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAliasMap(t *testing.T) {
	aliases := AliasMap([]string{"clean", "web.search", "my tool"})
	if len(aliases) != 2 {
		t.Fatalf("expected 2 aliases, got %d", len(aliases))
	}
	if aliases["web_search"] != "web.search" {
		t.Errorf("web_search alias = %q", aliases["web_search"])
	}
	if aliases["my_tool"] != "my tool" {
		t.Errorf("my_tool alias = %q", aliases["my_tool"])
	}
	if AliasMap([]string{"all", "clean"}) != nil {
		t.Error("expected nil alias map for clean names")
	}
}

func TestCurrentTimeTool(t *testing.T) {
	tool, err := NewFunctionTool(&registry.FunctionToolManifest{
		Name: "now", Handler: "current_time",
	})
	if err != nil {
		t.Fatalf("NewFunctionTool: %v", err)
	}

	result, err := tool.Execute(t.Context(), map[string]any{"timezone": "UTC"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if out["timezone"] != "UTC" {
		t.Errorf("timezone = %v", out["timezone"])
	}
	if _, ok := out["iso"].(string); !ok {
		t.Error("iso missing")
	}

	if _, err := tool.Execute(t.Context(), map[string]any{"timezone": "Not/AZone"}); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestUnknownHandlerFails(t *testing.T) {
	_, err := NewFunctionTool(&registry.FunctionToolManifest{Name: "x", Handler: "nope"})
	if protocol.CodeOf(err) != protocol.ErrManifest {
		t.Fatalf("expected manifest error, got %v", err)
	}
}

func TestHTTPRequestTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("missing header, got %q", r.Header.Get("X-Token"))
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	tool, err := NewFunctionTool(&registry.FunctionToolManifest{
		Name: "http", Handler: "http_request",
	})
	if err != nil {
		t.Fatalf("NewFunctionTool: %v", err)
	}

	result, err := tool.Execute(t.Context(), map[string]any{
		"url":     srv.URL + "/ping",
		"method":  "post",
		"body":    "hi",
		"headers": map[string]any{"X-Token": "abc"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := result.(map[string]any)
	if out["status"] != http.StatusOK {
		t.Errorf("status = %v", out["status"])
	}
	if out["body"] != "pong" {
		t.Errorf("body = %v", out["body"])
	}
}

func TestHTTPRequestToolPolicies(t *testing.T) {
	tool, err := NewFunctionTool(&registry.FunctionToolManifest{
		Name:    "http",
		Handler: "http_request",
		Settings: map[string]any{
			"allowed_domains": []any{"example.com"},
			"denied_domains":  []any{"internal.example.com"},
			"allowed_methods": []any{"GET"},
		},
	})
	if err != nil {
		t.Fatalf("NewFunctionTool: %v", err)
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"missing url", map[string]any{}, "url argument is required"},
		{"bad scheme", map[string]any{"url": "ftp://example.com"}, "unsupported url scheme"},
		{"denied domain", map[string]any{"url": "https://internal.example.com/x"}, "is denied"},
		{"outside allow list", map[string]any{"url": "https://other.org/x"}, "not in the allowed list"},
		{"blocked method", map[string]any{"url": "https://example.com/x", "method": "DELETE"}, "not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tool.Execute(t.Context(), tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPRequestToolSubdomainMatching(t *testing.T) {
	if !matchesDomain("api.example.com", "example.com") {
		t.Error("subdomain should match parent")
	}
	if matchesDomain("badexample.com", "example.com") {
		t.Error("suffix without dot boundary must not match")
	}
}

// mcpHandler fakes a streamable-HTTP MCP server with a tools/list and a
// tools/call method, issuing a session id on initialize.
func mcpHandler(t *testing.T, sse bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-1")
			result = map[string]any{"protocolVersion": mcpProtocolVersion}
		case "tools/list":
			if r.Header.Get("mcp-session-id") != "sess-1" {
				t.Errorf("tools/list missing session id")
			}
			result = map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "lookup",
						"description": "Look something up",
						"inputSchema": map[string]any{"type": "object"},
					},
				},
			}
		case "tools/call":
			result = map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "found"}},
			}
		default:
			t.Errorf("unexpected method %q", req.Method)
		}

		body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("event: message\ndata: " + string(body) + "\n\n"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func TestMCPSourceHTTP(t *testing.T) {
	for _, sse := range []bool{false, true} {
		srv := httptest.NewServer(mcpHandler(t, sse))

		source := NewMCPSource(&registry.MCPServerManifest{
			ID: "remote", Transport: "http", URL: srv.URL,
		})
		listed, err := source.Tools(t.Context())
		if err != nil {
			t.Fatalf("Tools (sse=%v): %v", sse, err)
		}
		if len(listed) != 1 || listed[0].Name() != "lookup" {
			t.Fatalf("tools = %+v", listed)
		}
		if listed[0].Schema()["type"] != "object" {
			t.Errorf("schema = %v", listed[0].Schema())
		}

		result, err := listed[0].Execute(t.Context(), map[string]any{"q": "x"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if result != "found" {
			t.Errorf("result = %v", result)
		}

		source.Close()
		srv.Close()
	}
}

type staticTool struct {
	name   string
	result any
	err    error
}

func (s *staticTool) Name() string           { return s.name }
func (s *staticTool) Description() string    { return "static" }
func (s *staticTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (s *staticTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return s.result, s.err
}

type staticSource struct {
	id     string
	tools  []Tool
	closed bool
}

func (s *staticSource) ID() string                                { return s.id }
func (s *staticSource) Tools(ctx context.Context) ([]Tool, error) { return s.tools, nil }
func (s *staticSource) Close() error                              { s.closed = true; return nil }

func TestCoordinatorRouting(t *testing.T) {
	c := NewCoordinator()
	c.Add(&staticTool{name: "a", result: "one"})
	c.Add(&staticTool{name: "a", result: "shadowed"})
	c.Add(&staticTool{name: "b", result: "two"})

	result, err := c.Execute(t.Context(), "a", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "one" {
		t.Errorf("first registration must win, got %v", result)
	}

	if _, err := c.Execute(t.Context(), "missing", nil); err == nil {
		t.Error("expected error for unregistered tool")
	}

	names := make([]string, 0)
	for _, tool := range c.List() {
		names = append(names, tool.Name())
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("List order = %v", names)
	}
}

func TestCoordinatorClosesSources(t *testing.T) {
	c := NewCoordinator()
	src := &staticSource{id: "s", tools: []Tool{&staticTool{name: "t", result: "r"}}}
	if _, err := c.AddSource(t.Context(), src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, ok := c.Get("t"); !ok {
		t.Fatal("source tool not registered")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !src.closed {
		t.Error("source not closed")
	}
	// Idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func writePlugins(t *testing.T, body string) *registry.Facade {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tools.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return registry.New(dir)
}

func TestDiscoveryCollect(t *testing.T) {
	reg := writePlugins(t, `
function_tools:
  - name: now
    handler: current_time
`)
	d := NewDiscovery(reg)

	spec := &protocol.CallSpec{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
		LLMPriority:       []protocol.ModelTarget{{Provider: "p", Model: "m"}},
		Tools:             []protocol.Tool{{Name: "inline.tool", Description: "declared only"}},
		FunctionToolNames: []string{"now"},
	}
	col, err := d.Collect(t.Context(), spec, &staticTool{name: "vector_search", result: "ok"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	defer col.Close()

	decls := col.Declarations()
	if len(decls) != 3 {
		t.Fatalf("expected 3 declarations, got %d", len(decls))
	}
	if decls[0].Name != "inline_tool" {
		t.Errorf("inline tool not sanitized: %q", decls[0].Name)
	}
	if decls[1].Name != "now" || decls[2].Name != "vector_search" {
		t.Errorf("declaration order = %q, %q", decls[1].Name, decls[2].Name)
	}
	if col.ResolveName("inline_tool") != "inline.tool" {
		t.Errorf("alias resolution = %q", col.ResolveName("inline_tool"))
	}
	if col.ResolveName("") != "unknown" {
		t.Errorf("empty name resolution = %q", col.ResolveName(""))
	}

	// Declaration-only inline tool has no executable behind it.
	if _, err := col.Execute(t.Context(), "inline_tool", nil); err == nil {
		t.Error("expected execution failure for declaration-only tool")
	}
	// Registry and synthetic tools execute.
	if _, err := col.Execute(t.Context(), "now", nil); err != nil {
		t.Errorf("now: %v", err)
	}
	result, err := col.Execute(t.Context(), "vector_search", nil)
	if err != nil || result != "ok" {
		t.Errorf("vector_search = %v, %v", result, err)
	}
}

func TestDiscoveryMissingFunctionTool(t *testing.T) {
	reg := writePlugins(t, "")
	d := NewDiscovery(reg)

	spec := &protocol.CallSpec{
		Messages:          []protocol.Message{{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}}},
		LLMPriority:       []protocol.ModelTarget{{Provider: "p", Model: "m"}},
		FunctionToolNames: []string{"ghost"},
	}
	if _, err := d.Collect(t.Context(), spec); protocol.CodeOf(err) != protocol.ErrManifest {
		t.Fatalf("expected manifest error, got %v", err)
	}
}

func TestDeriveVectorQuery(t *testing.T) {
	spec := &protocol.CallSpec{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("latest question")}},
		},
	}
	if got := deriveVectorQuery(spec); got != "latest question" {
		t.Errorf("query = %q", got)
	}

	spec.VectorContext = &protocol.VectorContextConfig{OverrideEmbeddingQuery: "  override  "}
	if got := deriveVectorQuery(spec); got != "override" {
		t.Errorf("override query = %q", got)
	}
}

func TestParseSchemaPayload(t *testing.T) {
	if m := parseSchemaPayload(map[string]any{"type": "object"}); m["type"] != "object" {
		t.Error("map payload not passed through")
	}
	if m := parseSchemaPayload(`{"type":"object"}`); m["type"] != "object" {
		t.Error("string payload not decoded")
	}
	if parseSchemaPayload(42) != nil {
		t.Error("unsupported payload must yield nil")
	}
}
