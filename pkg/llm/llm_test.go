package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
)

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient("gpt-4o-mini", "test-key", srv.URL)
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, 42, resp.Tokens)
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewOpenAIClient("gpt-4o-mini", "test-key", srv.URL)
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var done bool
	var tokens int
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "done":
			done = true
			tokens = chunk.Tokens
		case "error":
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, done)
	assert.Equal(t, 7, tokens)
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"q\":\"go\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewOpenAIClient("gpt-4o-mini", "k", srv.URL)
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var calls []*ToolCall
	for chunk := range ch {
		if chunk.Type == "tool_call" {
			calls = append(calls, chunk.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.Equal(t, "go", calls[0].Args["q"])
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hello back"}},
			"usage":   map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c, err := NewAnthropicClient("claude-sonnet-4", "test-key", srv.URL)
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, 15, resp.Tokens)
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_delta","usage":{"output_tokens":9}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer srv.Close()

	c, err := NewAnthropicClient("claude-sonnet-4", "test-key", srv.URL)
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var tokens int
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "done":
			tokens = chunk.Tokens
		}
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, 9, tokens)
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient("claude-sonnet-4", "", "")
	require.Error(t, err)
}

func TestRegistryRoles(t *testing.T) {
	cfg := &config.ModelsConfig{
		Primary:  config.BackendConfig{Spec: "openai/gpt-4o", APIKey: "k"},
		Fallback: config.BackendConfig{Spec: "openai/gpt-4o-mini", APIKey: "k"},
	}
	cfg.SetDefaults()

	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "gpt-4o", r.Get(RolePrimary).ModelName())
	assert.Equal(t, "gpt-4o-mini", r.Get(RoleFallback).ModelName())
	// Cheap roles ride the fallback backend.
	assert.Equal(t, "gpt-4o-mini", r.Get(RoleSummarizer).ModelName())
	assert.Equal(t, "gpt-4o-mini", r.Get(RoleRouter).ModelName())
}

func TestRegistryWithoutFallback(t *testing.T) {
	cfg := &config.ModelsConfig{
		Primary: config.BackendConfig{Spec: "openai/gpt-4o", APIKey: "k"},
	}
	cfg.SetDefaults()

	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "gpt-4o", r.Get(RoleFallback).ModelName())
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	cfg := &config.ModelsConfig{
		Primary: config.BackendConfig{Spec: "cohere/command"},
	}
	cfg.SetDefaults()

	_, err := NewRegistry(cfg)
	require.Error(t, err)
}
