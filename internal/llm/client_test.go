package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lazypower/recall/internal/config"
)

func TestNewClientNone(t *testing.T) {
	for _, p := range []string{"", "none"} {
		client, err := NewClient(config.LLMConfig{Provider: p})
		if err != nil {
			t.Fatalf("NewClient(%q): %v", p, err)
		}
		if client != nil {
			t.Errorf("NewClient(%q) = %T, want nil", p, client)
		}
	}
}

func TestNewClientClaudeCLI(t *testing.T) {
	cfg := config.LLMConfig{Provider: "claude-cli", Model: "haiku"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*ClaudeCLI); !ok {
		t.Errorf("expected *ClaudeCLI, got %T", client)
	}
}

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientAnthropicMissingKey(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestNewClientOllama(t *testing.T) {
	cfg := config.LLMConfig{Provider: "ollama", OllamaModel: "llama3.2"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	cfg := config.LLMConfig{Provider: "gpt"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestFilterEnv(t *testing.T) {
	env := []string{
		"HOME=/home/user",
		"CLAUDE_SESSION_ID=abc123",
		"CLAUDE_TRANSCRIPT=/tmp/t.jsonl",
		"PATH=/usr/bin",
	}
	filtered := filterEnv(env)
	if len(filtered) != 2 {
		t.Errorf("expected 2 vars, got %d: %v", len(filtered), filtered)
	}
	for _, e := range filtered {
		if strings.HasPrefix(e, "CLAUDE_") {
			t.Errorf("CLAUDE_ var not filtered: %s", e)
		}
	}
}

func TestOllamaComplete(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"response": "{\"synopsis\": \"ok\"}", "prompt_eval_count": 10, "eval_count": 5}`))
	}))
	defer srv.Close()

	client := NewOllama(srv.URL, "llama3.2", 5*time.Second)
	resp, err := client.Complete(context.Background(), SummaryPrompt("u", "r"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Format != "json" || got.System == "" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if resp.TokensUsed != 15 || resp.Provider != "ollama" {
		t.Errorf("response = %+v", resp)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "m", time.Second).Complete(context.Background(), Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500", err)
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-haiku-4-5-20251001",
			"content": [{"type": "text", "text": "hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`))
	}))
	defer srv.Close()

	client := NewAnthropic("test-key", "claude-haiku-4-5-20251001", 5*time.Second,
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	resp, err := client.Complete(context.Background(), Request{System: "be brief", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello there" || resp.TokensUsed != 10 {
		t.Errorf("response = %+v", resp)
	}
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", `{"synopsis": "Moved to Lisbon.", "keywords": ["Lisbon", "move"]}`, "Moved to Lisbon.", false},
		{"fenced", "```json\n{\"synopsis\": \"x\", \"keywords\": []}\n```", "x", false},
		{"prose", `Sure! {"synopsis": "y"} Hope that helps.`, "y", false},
		{"empty synopsis", `{"synopsis": "  "}`, "", true},
		{"no json", "I cannot do that.", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSummary(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSummary: %v", err)
			}
			if got.Synopsis != tt.want {
				t.Errorf("Synopsis = %q, want %q", got.Synopsis, tt.want)
			}
		})
	}

	got, _ := ParseSummary(`{"synopsis": "s", "keywords": [" Lisbon ", "", "MOVE"]}`)
	if len(got.Keywords) != 2 || got.Keywords[0] != "lisbon" || got.Keywords[1] != "move" {
		t.Errorf("Keywords = %v", got.Keywords)
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Response: &Response{Content: "test response", Provider: "mock"},
	}

	resp, err := mock.Complete(context.Background(), Request{Prompt: "test prompt"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "test response" {
		t.Errorf("content = %q, want %q", resp.Content, "test response")
	}
	if mock.CallCount() != 1 || mock.Calls[0].Prompt != "test prompt" {
		t.Errorf("calls = %+v", mock.Calls)
	}

	boom := errors.New("boom")
	mock.Fn = func(Request) (*Response, error) { return nil, boom }
	if _, err := mock.Complete(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Errorf("Fn err = %v, want boom", err)
	}
}
