// Package toolbridge normalizes external integrations behind a uniform
// discover/invoke/stream surface. Tools live on an MCP server; each tool
// declares the provider connection it needs (calendar, mail, tasks) and
// the bridge checks the caller's connection state before every call.
package toolbridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/httpclient"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/version"
)

const protocolVersion = "2024-11-05"

// Connection states a caller can hold for a provider. A missing row means
// the provider was never connected.
const (
	ConnectionConnected = "connected"
	ConnectionRevoked   = "revoked"
)

// Tool describes one MCP-exposed tool. Connection names the provider
// connection the caller must hold; empty means none required.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Connection  string
}

// Result is a completed tool invocation.
type Result struct {
	Text  string
	Parts []string
}

// Bridge is the single gateway to external tools.
type Bridge struct {
	gateway *store.Gateway
	cfg     *config.ToolsConfig

	http *httpclient.Client

	mu        sync.Mutex
	connected bool
	sessionID string
	stdio     *client.Client
	tools     []Tool
}

// New creates the bridge. The MCP connection is established lazily on
// first use.
func New(gateway *store.Gateway, cfg *config.ToolsConfig) *Bridge {
	return &Bridge{
		gateway: gateway,
		cfg:     cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

// Discover lists the tools the caller can actually use: tools whose
// required connection is absent or revoked are filtered out.
func (b *Bridge) Discover(ctx context.Context, ownerID string) ([]Tool, error) {
	all, err := b.allTools(ctx)
	if err != nil {
		return nil, err
	}

	usable := make([]Tool, 0, len(all))
	for _, t := range all {
		ok, err := b.connectionActive(ctx, ownerID, t.Connection)
		if err != nil {
			return nil, err
		}
		if ok {
			usable = append(usable, t)
		}
	}
	return usable, nil
}

// Invoke runs one tool call on behalf of the caller. The call is bounded
// by the configured invoke timeout; expiry reports ToolTimeout.
func (b *Bridge) Invoke(ctx context.Context, ownerID, name string, args map[string]any) (*Result, error) {
	tool, err := b.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	ok, err := b.connectionActive(ctx, ownerID, tool.Connection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.ToolUnavailable, "toolbridge.Invoke",
			fmt.Sprintf("tool %q requires a %s connection", name, tool.Connection))
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.InvokeTimeout)
	defer cancel()

	if b.cfg.MCPCommand != "" {
		return b.invokeStdio(callCtx, name, args)
	}

	resp, err := b.rpc(callCtx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.ToolTimeout, "toolbridge.Invoke",
				fmt.Sprintf("tool %q exceeded %s", name, b.cfg.InvokeTimeout))
		}
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.Invoke", err)
	}
	if resp.Error != nil {
		return nil, fault.New(fault.DependencyFailure, "toolbridge.Invoke", resp.Error.Message)
	}

	return parseCallResult(resp.Result)
}

// Stream runs a tool call and delivers its output incrementally. MCP
// tool calls complete in one response, so the stream carries the parsed
// parts in order and then closes.
func (b *Bridge) Stream(ctx context.Context, ownerID, name string, args map[string]any) (<-chan string, error) {
	result, err := b.Invoke(ctx, ownerID, name, args)
	if err != nil {
		return nil, err
	}

	out := make(chan string, len(result.Parts)+1)
	if len(result.Parts) > 0 {
		for _, part := range result.Parts {
			out <- part
		}
	} else if result.Text != "" {
		out <- result.Text
	}
	close(out)
	return out, nil
}

// ============================================================================
// CONNECTION STATE
// ============================================================================

// connectionActive consults the caller's provider connection row. Tools
// with no declared connection are always usable.
func (b *Bridge) connectionActive(ctx context.Context, ownerID, provider string) (bool, error) {
	if provider == "" {
		return true, nil
	}

	row, err := b.gateway.OwnerQueryRow(ctx, ownerID,
		`SELECT status FROM connections WHERE owner_id = ? AND provider = ?`, provider)
	if err != nil {
		return false, fault.Wrap(fault.DependencyFailure, "toolbridge.connectionActive", err)
	}

	var status string
	switch err := row.Scan(&status); err {
	case nil:
		return status == ConnectionConnected, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fault.Wrap(fault.DependencyFailure, "toolbridge.connectionActive", err)
	}
}

// SetConnection records or updates a provider connection for the caller.
func (b *Bridge) SetConnection(ctx context.Context, ownerID, provider, status string) error {
	if status != ConnectionConnected && status != ConnectionRevoked {
		return fault.New(fault.Malformed, "toolbridge.SetConnection",
			"status must be connected or revoked")
	}

	res, err := b.gateway.DB().ExecContext(ctx, b.gateway.Rebind(`
UPDATE connections SET status = ?, updated_at = ? WHERE owner_id = ? AND provider = ?
`), status, time.Now(), ownerID, provider)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "toolbridge.SetConnection", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = b.gateway.DB().ExecContext(ctx, b.gateway.Rebind(`
INSERT INTO connections (owner_id, provider, status, updated_at) VALUES (?, ?, ?, ?)
`), ownerID, provider, status, time.Now())
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "toolbridge.SetConnection", err)
	}
	return nil
}

// ============================================================================
// MCP WIRE
// ============================================================================

func (b *Bridge) lookup(ctx context.Context, name string) (Tool, error) {
	all, err := b.allTools(ctx)
	if err != nil {
		return Tool{}, err
	}
	for _, t := range all {
		if t.Name == name {
			return t, nil
		}
	}
	return Tool{}, fault.New(fault.ToolUnavailable, "toolbridge.lookup",
		fmt.Sprintf("unknown tool %q", name))
}

func (b *Bridge) allTools(ctx context.Context) ([]Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return b.tools, nil
	}
	if b.cfg.MCPCommand != "" {
		return b.connectStdio(ctx)
	}
	if b.cfg.MCPURL == "" {
		// No tool server configured; every tool-requiring specialist is
		// filtered out upstream.
		return nil, nil
	}

	initResp, err := b.rpcLocked(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "cirkelline", "version": version.Version},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.allTools", err)
	}
	if initResp.Error != nil {
		return nil, fault.New(fault.DependencyFailure, "toolbridge.allTools", initResp.Error.Message)
	}

	listResp, err := b.rpcLocked(ctx, "tools/list", nil)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.allTools", err)
	}
	if listResp.Error != nil {
		return nil, fault.New(fault.DependencyFailure, "toolbridge.allTools", listResp.Error.Message)
	}

	tools, err := parseToolList(listResp.Result)
	if err != nil {
		return nil, err
	}

	b.tools = tools
	b.connected = true
	slog.Info("connected to tool server", "url", b.cfg.MCPURL, "tools", len(tools))
	return tools, nil
}

// connectStdio runs the MCP server as a subprocess via mcp-go. Callers
// hold b.mu.
func (b *Bridge) connectStdio(ctx context.Context) ([]Tool, error) {
	mcpClient, err := client.NewStdioMCPClient(b.cfg.MCPCommand, nil, b.cfg.MCPArgs...)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.connectStdio", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.connectStdio", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "cirkelline", Version: version.Version}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.connectStdio", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.connectStdio", err)
	}

	tools := make([]Tool, 0, len(listResp.Tools))
	for _, mt := range listResp.Tools {
		tools = append(tools, Tool{
			Name:        mt.Name,
			Description: mt.Description,
			Schema:      schemaToMap(mt.InputSchema),
			Connection:  connectionFor(mt.Name, nil),
		})
	}

	b.stdio = mcpClient
	b.tools = tools
	b.connected = true
	slog.Info("connected to tool server (stdio)",
		"command", b.cfg.MCPCommand, "tools", len(tools))
	return tools, nil
}

func (b *Bridge) invokeStdio(ctx context.Context, name string, args map[string]any) (*Result, error) {
	b.mu.Lock()
	mcpClient := b.stdio
	b.mu.Unlock()
	if mcpClient == nil {
		return nil, fault.New(fault.ToolUnavailable, "toolbridge.invokeStdio", "tool server not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.ToolTimeout, "toolbridge.invokeStdio",
				fmt.Sprintf("tool %q exceeded %s", name, b.cfg.InvokeTimeout))
		}
		return nil, fault.Wrap(fault.DependencyFailure, "toolbridge.invokeStdio", err)
	}

	out := &Result{}
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			if resp.IsError {
				return nil, fault.New(fault.DependencyFailure, "toolbridge.invokeStdio", text.Text)
			}
			out.Parts = append(out.Parts, text.Text)
		}
	}
	if resp.IsError {
		return nil, fault.New(fault.DependencyFailure, "toolbridge.invokeStdio", "unknown error")
	}
	out.Text = strings.Join(out.Parts, "\n")
	return out, nil
}

// Close shuts down the stdio subprocess if one is running.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdio != nil {
		err := b.stdio.Close()
		b.stdio = nil
		b.connected = false
		b.tools = nil
		return err
	}
	return nil
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

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *Bridge) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rpcLocked(ctx, method, params)
}

func (b *Bridge) rpcLocked(ctx context.Context, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.MCPURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if b.sessionID != "" {
		req.Header.Set("mcp-session-id", b.sessionID)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		b.sessionID = sid
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tool server returned %d: %s", resp.StatusCode, string(raw))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw = firstSSEData(raw)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// firstSSEData extracts the first complete data payload from an SSE body.
func firstSSEData(raw []byte) []byte {
	var data strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if data.Len() > 0 {
				break
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(after))
		}
	}
	return []byte(data.String())
}

func parseToolList(result any) ([]Tool, error) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return nil, fault.New(fault.DependencyFailure, "toolbridge.parseToolList",
			"unexpected result type from tools/list")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fault.New(fault.DependencyFailure, "toolbridge.parseToolList",
			"missing tools in tools/list response")
	}

	var tools []Tool
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t := Tool{}
		t.Name, _ = m["name"].(string)
		t.Description, _ = m["description"].(string)
		if schema, ok := m["inputSchema"].(map[string]any); ok {
			t.Schema = schema
		}
		ann, _ := m["annotations"].(map[string]any)
		t.Connection = connectionFor(t.Name, ann)
		tools = append(tools, t)
	}
	return tools, nil
}

// knownProviders are the connection kinds a caller can link.
var knownProviders = map[string]bool{
	"calendar": true,
	"mail":     true,
	"tasks":    true,
}

// connectionFor resolves a tool's required provider connection. An
// explicit annotation wins; otherwise a provider-prefixed tool name
// ("calendar.create_event") declares it.
func connectionFor(name string, annotations map[string]any) string {
	if annotations != nil {
		if conn, ok := annotations["connection"].(string); ok && conn != "" {
			return conn
		}
	}
	if prefix, _, ok := strings.Cut(name, "."); ok && knownProviders[prefix] {
		return prefix
	}
	return ""
}

func parseCallResult(result any) (*Result, error) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return &Result{Text: fmt.Sprint(result)}, nil
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		msg := "unknown error"
		if content, ok := resultMap["content"].([]any); ok {
			for _, c := range content {
				if cm, ok := c.(map[string]any); ok {
					if text, ok := cm["text"].(string); ok {
						msg = text
						break
					}
				}
			}
		}
		return nil, fault.New(fault.DependencyFailure, "toolbridge.Invoke", msg)
	}

	out := &Result{}
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok || cm["type"] != "text" {
				continue
			}
			if text, ok := cm["text"].(string); ok {
				out.Parts = append(out.Parts, text)
			}
		}
	}
	out.Text = strings.Join(out.Parts, "\n")
	return out, nil
}
