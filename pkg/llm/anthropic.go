package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/httpclient"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient speaks the Anthropic messages API.
type AnthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input *map[string]any `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string `json:"type"`
	Index        int    `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicClient creates a client for one Anthropic backend.
func NewAnthropicClient(model, apiKey, baseURL string) (*AnthropicClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for anthropic")
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		model:     model,
		apiKey:    apiKey,
		baseURL:   baseURL,
		maxTokens: 4096,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (c *AnthropicClient) ModelName() string { return c.model }

func (c *AnthropicClient) Close() error { return nil }

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}

	out := anthropicRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
		Stream:    stream,
		System:    req.System,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out
}

func (c *AnthropicClient) newHTTPRequest(ctx context.Context, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

// Generate runs one blocking completion.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "llm.anthropic", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "llm.anthropic", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.DependencyFailure, "llm.anthropic",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "llm.anthropic", err)
	}
	if parsed.Error != nil {
		return nil, fault.New(fault.DependencyFailure, "llm.anthropic", parsed.Error.Message)
	}

	out := &Response{Tokens: parsed.Usage.InputTokens + parsed.Usage.OutputTokens}
	var text strings.Builder
	for _, content := range parsed.Content {
		switch content.Type {
		case "text":
			text.WriteString(content.Text)
		case "tool_use":
			args := map[string]any{}
			if content.Input != nil {
				args = *content.Input
			}
			out.ToolCalls = append(out.ToolCalls, &ToolCall{
				ID: content.ID, Name: content.Name, Args: args,
			})
		}
	}
	out.Text = text.String()
	return out, nil
}

// Stream runs one streaming completion.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		if err := c.streamInto(ctx, req, out); err != nil {
			out <- StreamChunk{Type: "error", Err: err}
		}
	}()
	return out, nil
}

func (c *AnthropicClient) streamInto(ctx context.Context, req Request, out chan<- StreamChunk) error {
	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return fault.Wrap(fault.Internal, "llm.anthropic", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "llm.anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fault.New(fault.DependencyFailure, "llm.anthropic",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSON := make(map[int]string)
	totalTokens := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
					Args: map[string]any{},
				}
				toolJSON[event.Index] = ""
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				out <- StreamChunk{Type: "text", Text: event.Delta.Text}
			}
			if event.Delta.Type == "input_json_delta" {
				toolJSON[event.Index] += event.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, ok := toolCalls[event.Index]; ok {
				if raw := toolJSON[event.Index]; raw != "" {
					_ = json.Unmarshal([]byte(raw), &tc.Args)
				}
				out <- StreamChunk{Type: "tool_call", ToolCall: tc}
			}

		case "message_delta":
			if event.Usage != nil {
				totalTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			out <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fault.Wrap(fault.DependencyFailure, "llm.anthropic", err)
	}

	out <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}

var _ Provider = (*AnthropicClient)(nil)
