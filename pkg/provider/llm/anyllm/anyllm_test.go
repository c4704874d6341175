package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/whotf-ash/synapse/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		got := convertMessage(llm.Message{Role: role, Content: "Hola"})
		if got.Role != role {
			t.Errorf("role: want %q, got %q", role, got.Role)
		}
		if got.ContentString() != "Hola" {
			t.Errorf("content: want Hola, got %q", got.ContentString())
		}
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gemini-1.5-flash"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a friendly Spanish tutor.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Please begin the conversation."},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})

	if params.Model != "gemini-1.5-flash" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature not forwarded: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens not forwarded: %v", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message without system prompt, got %d", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("expected nil temperature and max tokens")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gemini-1.5-flash"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("gemini", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_WithAPIKey(t *testing.T) {
	tests := []struct {
		backend string
		model   string
	}{
		{"openai", "gpt-4o-mini"},
		{"anthropic", "claude-3-5-sonnet-latest"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, anyllmlib.WithAPIKey("test-key"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Capabilities() != llm.KnownCapabilities(tt.model) {
				t.Errorf("capabilities mismatch for %s", tt.model)
			}
		})
	}
}

func TestNew_OllamaNoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
