package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/httpclient"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the OpenAI chat completions API. Ollama's
// OpenAI-compatible endpoint works through it as well.
type OpenAIClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model         string              `json:"model"`
	Messages      []openAIMessage     `json:"messages"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *openAIStreamOption `json:"stream_options,omitempty"`
	Tools         []openAITool        `json:"tools,omitempty"`
}

type openAIStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewOpenAIClient creates a client for one OpenAI-compatible backend.
func NewOpenAIClient(model, apiKey, baseURL string) (*OpenAIClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		model:     model,
		apiKey:    apiKey,
		baseURL:   baseURL,
		maxTokens: 4096,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (c *OpenAIClient) ModelName() string { return c.model }

func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	out := openAIRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	if stream {
		out.StreamOptions = &openAIStreamOption{IncludeUsage: true}
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func (c *OpenAIClient) newHTTPRequest(ctx context.Context, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Generate runs one blocking completion.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "llm.openai", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "llm.openai", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.DependencyFailure, "llm.openai",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "llm.openai", err)
	}
	if parsed.Error != nil {
		return nil, fault.New(fault.DependencyFailure, "llm.openai", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.New(fault.DependencyFailure, "llm.openai", "empty choices in response")
	}

	out := &Response{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Tokens = parsed.Usage.TotalTokens
	}
	for _, tc := range parsed.Choices[0].Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, decodeOpenAIToolCall(tc))
	}
	return out, nil
}

// Stream runs one streaming completion.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		if err := c.streamInto(ctx, req, out); err != nil {
			out <- StreamChunk{Type: "error", Err: err}
		}
	}()
	return out, nil
}

func (c *OpenAIClient) streamInto(ctx context.Context, req Request, out chan<- StreamChunk) error {
	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return fault.Wrap(fault.Internal, "llm.openai", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "llm.openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fault.New(fault.DependencyFailure, "llm.openai",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var pending []*openAIToolCall
	totalTokens := 0

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fault.Wrap(fault.DependencyFailure, "llm.openai", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fault.New(fault.DependencyFailure, "llm.openai", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			out <- StreamChunk{Type: "text", Text: choice.Delta.Content}
		}

		for _, delta := range choice.Delta.ToolCalls {
			if delta.ID != "" {
				copied := delta
				pending = append(pending, &copied)
			} else if len(pending) > 0 {
				// Argument fragments attach to the most recent call.
				pending[len(pending)-1].Function.Arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason == "tool_calls" {
			for _, tc := range pending {
				out <- StreamChunk{Type: "tool_call", ToolCall: decodeOpenAIToolCall(*tc)}
			}
			pending = nil
		}
	}

	out <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}

func decodeOpenAIToolCall(tc openAIToolCall) *ToolCall {
	call := &ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: map[string]any{}}
	if tc.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Args)
	}
	return call
}

var _ Provider = (*OpenAIClient)(nil)
