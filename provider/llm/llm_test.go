package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scoutforge/scoutd/config"
)

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		Mode:           "direct",
		APIKey:         "test-key",
		BaseURL:        baseURL,
		ChatModel:      "gpt-test",
		EmbeddingModel: "embed-test",
		EmbeddingDims:  3,
		Timeout:        5 * time.Second,
	}
}

func TestChatComplete_ToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ToolChoice != "auto" {
			t.Errorf("expected tool_choice auto, got %q", req.ToolChoice)
		}
		resp := chatResponse{}
		resp.Choices = []struct {
			Message Message `json:"message"`
		}{
			{Message: Message{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "call-1", Type: "function", Function: ToolCallFunc{Name: "searchWeb", Arguments: `{"query":"ai news"}`}},
			}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	result, err := c.ChatComplete(context.Background(), []Message{{Role: "user", Content: "go"}},
		[]Tool{{Type: "function", Function: ToolFunction{Name: "searchWeb"}}}, "")
	if err != nil {
		t.Fatalf("ChatComplete: %v", err)
	}
	if len(result.Message.ToolCalls) != 1 || result.Message.ToolCalls[0].Function.Name != "searchWeb" {
		t.Fatalf("unexpected tool calls: %+v", result.Message.ToolCalls)
	}
}

func TestChatComplete_DeploymentMode(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		if got := r.Header.Get("api-key"); got != "test-key" {
			t.Errorf("expected api-key header, got %q", got)
		}
		resp := chatResponse{}
		resp.Choices = []struct {
			Message Message `json:"message"`
		}{{Message: Message{Role: "assistant", Content: "hi"}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Mode = "deployment"
	cfg.DeploymentName = "gpt4o-dep"
	cfg.APIVersion = "2024-05-01"
	c := New(cfg)

	if _, err := c.ChatComplete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, ""); err != nil {
		t.Fatalf("ChatComplete: %v", err)
	}
	if gotPath != "/openai/deployments/gpt4o-dep/chat/completions?api-version=2024-05-01" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestEmbed_RejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{}
		resp.Data = []struct {
			Embedding []float32 `json:"embedding"`
		}{{Embedding: []float32{0.1, 0.2}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension mismatch error, got nil")
	}
}

func TestEmbed_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{}
		resp.Data = []struct {
			Embedding []float32 `json:"embedding"`
		}{{Embedding: []float32{0.1, 0.2, 0.3}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(vec))
	}
}

func TestChatComplete_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	if _, err := c.ChatComplete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, ""); err == nil {
		t.Fatal("expected error from 401 response, got nil")
	}
}
