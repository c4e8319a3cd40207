// Package llm adapts scoutd's chat-completion and embedding calls to an
// OpenAI-compatible HTTP API, in either of two mutually exclusive modes:
// "direct" (model name in the request body, a single base URL) or
// "deployment" (deployment name in the URL path, an api-version query
// parameter, no model field in the body).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/helpers"
)

// Message is one entry of a chat-completion conversation. Only the fields
// relevant to a given role are populated.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single structured tool invocation the model requested.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc carries the tool name and its raw JSON argument blob.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares one function the model may call, as a JSON-schema-shaped
// parameter object.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function-spec half of a Tool declaration.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatResult is the assistant's reply to a chatComplete call.
type ChatResult struct {
	Message Message
}

// Client is the LLM provider adapter. It is safe for concurrent use.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
}

// New constructs a Client from the resolved LLM configuration. cfg must
// already have passed Validate/Normalize.
func New(cfg config.LLMConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model      string     `json:"model,omitempty"`
	Messages   []Message  `json:"messages"`
	Tools      []Tool     `json:"tools,omitempty"`
	ToolChoice string     `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ChatComplete issues one chat-completion call. tools and toolChoice may be
// nil/empty; when tools is non-empty, toolChoice defaults to "auto".
func (c *Client) ChatComplete(ctx context.Context, messages []Message, tools []Tool, toolChoice string) (ChatResult, error) {
	if len(tools) > 0 && toolChoice == "" {
		toolChoice = "auto"
	}

	reqBody := chatRequest{
		Messages:   messages,
		Tools:      tools,
		ToolChoice: toolChoice,
	}
	if c.cfg.Mode == "direct" {
		reqBody.Model = c.cfg.ChatModel
	}

	url, err := c.chatURL()
	if err != nil {
		return ChatResult{}, err
	}

	var resp chatResponse
	if err := c.post(ctx, url, reqBody, &resp); err != nil {
		return ChatResult{}, fmt.Errorf("llm: chat completion: %w", err)
	}
	if resp.Error != nil {
		return ChatResult{}, fmt.Errorf("llm: chat completion: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("llm: chat completion returned no choices")
	}
	return ChatResult{Message: resp.Choices[0].Message}, nil
}

type embedRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// Embed returns the embedding vector for text. The returned slice has
// length cfg.EmbeddingDims, or an error is returned instead.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embedRequest{Input: text}
	if c.cfg.Mode == "direct" {
		reqBody.Model = c.cfg.EmbeddingModel
	}

	url, err := c.embedURL()
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := c.post(ctx, url, reqBody, &resp); err != nil {
		return nil, fmt.Errorf("llm: embed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("llm: embed: %s", resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm: embed returned no data")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != c.cfg.EmbeddingDims {
		return nil, fmt.Errorf("llm: embed returned %d dims, want %d", len(vec), c.cfg.EmbeddingDims)
	}
	return vec, nil
}

func (c *Client) chatURL() (string, error) {
	switch c.cfg.Mode {
	case "direct":
		return strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions", nil
	case "deployment":
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.DeploymentName, c.cfg.APIVersion), nil
	default:
		return "", fmt.Errorf("llm: unknown mode %q", c.cfg.Mode)
	}
}

func (c *Client) embedURL() (string, error) {
	switch c.cfg.Mode {
	case "direct":
		return strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings", nil
	case "deployment":
		return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.DeploymentName, c.cfg.APIVersion), nil
	default:
		return "", fmt.Errorf("llm: unknown mode %q", c.cfg.Mode)
	}
}

func (c *Client) post(ctx context.Context, url string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Mode == "deployment" {
		req.Header.Set("api-key", c.cfg.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	raw, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
