package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const mcpProtocolVersion = "2024-11-05"

// MCPSource exposes one MCP server's tools. The connection is made
// lazily on the first Tools call. Stdio servers go through mcp-go;
// HTTP servers speak JSON-RPC through the retrying HTTP client.
type MCPSource struct {
	manifest *registry.MCPServerManifest
	log      *logger.Logger

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	sessionID string
	tools     []Tool
	connected bool
}

// NewMCPSource wraps an MCP server manifest.
func NewMCPSource(manifest *registry.MCPServerManifest) *MCPSource {
	return &MCPSource{manifest: manifest, log: logger.Adapter()}
}

func (s *MCPSource) ID() string { return s.manifest.ID }

func (s *MCPSource) Tools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", s.manifest.ID, err)
		}
	}
	return s.tools, nil
}

func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.stdio != nil {
		err = s.stdio.Close()
		s.stdio = nil
	}
	s.http = nil
	s.tools = nil
	s.connected = false
	return err
}

func (s *MCPSource) connect(ctx context.Context) error {
	if s.manifest.Transport == "http" {
		return s.connectHTTP(ctx)
	}
	return s.connectStdio(ctx)
}

func (s *MCPSource) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(s.manifest.Env))
	for k, v := range s.manifest.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(s.manifest.Command, env, s.manifest.Args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "modelrelay", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]Tool, 0, len(listResp.Tools))
	for _, remote := range listResp.Tools {
		tools = append(tools, &mcpTool{
			source:      s,
			name:        remote.Name,
			description: remote.Description,
			schema:      schemaToMap(remote.InputSchema),
			useStdio:    true,
		})
	}

	s.stdio = mcpClient
	s.tools = tools
	s.connected = true
	s.log.Info("connected to MCP server",
		"id", s.manifest.ID, "transport", "stdio", "tools", len(tools))
	return nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithHeaderParser(httpclient.ParseGenericHeaders),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "modelrelay", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP initialize error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP tools/list error: %s", listResp.Error.Message)
	}

	result, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected tools/list result shape")
	}
	rawTools, _ := result["tools"].([]any)

	var tools []Tool
	for _, raw := range rawTools {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		description, _ := entry["description"].(string)
		schema, _ := entry["inputSchema"].(map[string]any)
		tools = append(tools, &mcpTool{
			source:      s,
			name:        name,
			description: description,
			schema:      schema,
		})
	}

	s.tools = tools
	s.connected = true
	s.log.Info("connected to MCP server",
		"id", s.manifest.ID, "transport", "http", "url", s.manifest.URL, "tools", len(tools))
	return nil
}

type mcpRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpRPCResponse struct {
	Result any `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*mcpRPCResponse, error) {
	body, err := json.Marshal(mcpRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.manifest.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.manifest.Headers {
		req.Header.Set(k, v)
	}
	if s.sessionID != "" {
		req.Header.Set("mcp-session-id", s.sessionID)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MCP request failed: %w", err)
	}
	defer resp.Body.Close()

	if session := resp.Header.Get("mcp-session-id"); session != "" {
		s.sessionID = session
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("MCP server returned status %d: %s", resp.StatusCode, string(raw))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	// Streamable HTTP servers may answer with a single SSE event.
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw = extractSSEData(raw)
	}

	var parsed mcpRPCResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &parsed, nil
}

func extractSSEData(raw []byte) []byte {
	var data strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return []byte(data.String())
}

// mcpTool adapts one remote tool to the Tool interface.
type mcpTool struct {
	source      *MCPSource
	name        string
	description string
	schema      map[string]any
	useStdio    bool
}

func (t *mcpTool) Name() string           { return t.name }
func (t *mcpTool) Description() string    { return t.description }
func (t *mcpTool) Schema() map[string]any { return t.schema }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.useStdio {
		return t.executeStdio(ctx, args)
	}
	return t.executeHTTP(ctx, args)
}

func (t *mcpTool) executeStdio(ctx context.Context, args map[string]any) (any, error) {
	t.source.mu.Lock()
	mcpClient := t.source.stdio
	t.source.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("MCP server %s is not connected", t.source.ID())
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return nil, fmt.Errorf("%s", joined)
	}
	return joined, nil
}

func (t *mcpTool) executeHTTP(ctx context.Context, args map[string]any) (any, error) {
	resp, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		return resp.Result, nil
	}

	var texts []string
	if content, ok := result["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	joined := strings.Join(texts, "\n")
	if isError, _ := result["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return nil, fmt.Errorf("%s", joined)
	}
	if joined != "" {
		return joined, nil
	}
	return result, nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
