package toolbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
)

func newTestGateway(t *testing.T) *store.Gateway {
	t.Helper()
	cfg := &config.DatabaseConfig{URL: "sqlite://:memory:"}
	cfg.SetDefaults()
	cfg.URL = "sqlite://:memory:"
	g, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	require.NoError(t, g.Migrate(context.Background()))
	return g
}

// fakeMCP answers initialize, tools/list and tools/call over JSON-RPC.
func fakeMCP(t *testing.T, callDelay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "calendar.create_event",
						"description": "Creates a calendar event",
						"inputSchema": map[string]any{"type": "object"},
					},
					map[string]any{
						"name":        "web_search",
						"description": "Searches the web",
						"annotations": map[string]any{},
					},
					map[string]any{
						"name":        "mail.send",
						"description": "Sends mail",
						"annotations": map[string]any{"connection": "mail"},
					},
				},
			}
		case "tools/call":
			if callDelay > 0 {
				time.Sleep(callDelay)
			}
			result = map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "event created"},
				},
			}
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}

		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
}

func newTestBridge(t *testing.T, srvURL string, invokeTimeout time.Duration) *Bridge {
	t.Helper()
	cfg := &config.ToolsConfig{MCPURL: srvURL, InvokeTimeout: invokeTimeout}
	cfg.SetDefaults()
	if invokeTimeout > 0 {
		cfg.InvokeTimeout = invokeTimeout
	}
	return New(newTestGateway(t), cfg)
}

func TestDiscoverFiltersByConnectionState(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)
	ctx := context.Background()

	tools, err := b.Discover(ctx, "alice")
	require.NoError(t, err)
	names := toolNames(tools)
	assert.Contains(t, names, "web_search", "connection-free tools are always usable")
	assert.NotContains(t, names, "calendar.create_event")
	assert.NotContains(t, names, "mail.send")

	require.NoError(t, b.SetConnection(ctx, "alice", "calendar", "connected"))
	tools, err = b.Discover(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, toolNames(tools), "calendar.create_event")

	require.NoError(t, b.SetConnection(ctx, "alice", "calendar", "revoked"))
	tools, err = b.Discover(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, toolNames(tools), "calendar.create_event")
}

func TestConnectionStateIsPerCaller(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)
	ctx := context.Background()

	require.NoError(t, b.SetConnection(ctx, "alice", "mail", "connected"))

	tools, err := b.Discover(ctx, "bob")
	require.NoError(t, err)
	assert.NotContains(t, toolNames(tools), "mail.send")
}

func TestSetConnectionRejectsUnknownStatus(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)

	err := b.SetConnection(context.Background(), "alice", "calendar", "active")
	assert.Equal(t, fault.Malformed, fault.KindOf(err))
}

func TestInvokeWithoutConnectionToolUnavailable(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)

	_, err := b.Invoke(context.Background(), "alice", "calendar.create_event", nil)
	assert.Equal(t, fault.ToolUnavailable, fault.KindOf(err))
}

func TestInvokeUnknownTool(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)

	_, err := b.Invoke(context.Background(), "alice", "nonexistent", nil)
	assert.Equal(t, fault.ToolUnavailable, fault.KindOf(err))
}

func TestInvokeSucceedsWhenConnected(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)
	ctx := context.Background()

	require.NoError(t, b.SetConnection(ctx, "alice", "calendar", "connected"))

	result, err := b.Invoke(ctx, "alice", "calendar.create_event", map[string]any{"title": "standup"})
	require.NoError(t, err)
	assert.Equal(t, "event created", result.Text)
}

func TestInvokeDeadlineToolTimeout(t *testing.T) {
	srv := fakeMCP(t, 500*time.Millisecond)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 50*time.Millisecond)
	ctx := context.Background()

	// Connect first so the slow call is the tool call itself.
	_, err := b.Discover(ctx, "alice")
	require.NoError(t, err)

	_, err = b.Invoke(ctx, "alice", "web_search", map[string]any{"q": "weather"})
	assert.Equal(t, fault.ToolTimeout, fault.KindOf(err))
}

func TestStreamDeliversPartsInOrder(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)

	ch, err := b.Stream(context.Background(), "alice", "web_search", nil)
	require.NoError(t, err)

	var parts []string
	for part := range ch {
		parts = append(parts, part)
	}
	assert.Equal(t, []string{"event created"}, parts)
}

func TestSetConnectionValidatesStatus(t *testing.T) {
	srv := fakeMCP(t, 0)
	defer srv.Close()
	b := newTestBridge(t, srv.URL, 0)

	err := b.SetConnection(context.Background(), "alice", "mail", "paused")
	assert.Equal(t, fault.Malformed, fault.KindOf(err))
}

func TestConnectionForResolution(t *testing.T) {
	assert.Equal(t, "mail", connectionFor("anything", map[string]any{"connection": "mail"}))
	assert.Equal(t, "calendar", connectionFor("calendar.create_event", nil))
	assert.Equal(t, "", connectionFor("web_search", nil))
	assert.Equal(t, "", connectionFor("weird.tool", nil))
}

func toolNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
