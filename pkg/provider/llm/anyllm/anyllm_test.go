package anyllm

import (
	"strings"
	"testing"

	"github.com/techwithanirudh/gork/pkg/provider/llm"
)

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("skynet", "t-800")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "skynet") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func TestNew_KnownProviders(t *testing.T) {
	// Dummy keys keep the test hermetic: some backends reject
	// construction outright when no API key is present.
	for _, env := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
		"DEEPSEEK_API_KEY", "MISTRAL_API_KEY", "GROQ_API_KEY",
	} {
		t.Setenv(env, "test")
	}
	for _, name := range []string{
		"openai", "anthropic", "gemini", "ollama",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "some-model")
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			if p.model != "some-model" {
				t.Errorf("expected model some-model, got %q", p.model)
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Speak plainly.",
		Messages: []llm.Message{
			{Role: "user", Content: "hi"},
		},
	})

	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" || params.Messages[1].Content != "hi" {
		t.Errorf("unexpected user message: %+v", params.Messages[1])
	}
	if params.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", params.Model)
	}
}

func TestBuildParams_OmitsEmptySystemPrompt(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
}

func TestBuildParams_ZeroTuningLeftNil(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil {
		t.Error("expected nil Temperature for zero value")
	}
	if params.MaxTokens != nil {
		t.Error("expected nil MaxTokens for zero value")
	}
}

func TestBuildParams_TuningForwarded(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{Temperature: 0.7, MaxTokens: 256})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("expected Temperature 0.7, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("expected MaxTokens 256, got %v", params.MaxTokens)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
		maxOutput     int
		vision        bool
	}{
		{"gpt-4o-mini", 128_000, 16_384, true},
		{"gpt-4-turbo", 128_000, 4_096, true},
		{"gpt-4", 8_192, 4_096, false},
		{"gpt-3.5-turbo", 16_385, 4_096, false},
		{"o1-mini", 200_000, 100_000, true},
		{"claude-3-5-sonnet-latest", 200_000, 8_192, true},
		{"gemini-2.0-flash", 1_048_576, 8_192, true},
		{"gemini-1.5-pro", 2_097_152, 8_192, true},
		{"llama3.2", 128_000, 4_096, false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if !caps.SupportsStreaming {
				t.Error("all models should report streaming support")
			}
			if caps.ContextWindow != tt.contextWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.contextWindow)
			}
			if caps.MaxOutputTokens != tt.maxOutput {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.maxOutput)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

func TestCountTokens_Approximation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	// 8 chars ≈ 2 tokens, plus 4 overhead.
	n, err := p.CountTokens([]llm.Message{{Role: "user", Content: "12345678"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("expected 6 tokens, got %d", n)
	}
}

func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens(nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 tokens, got %d", n)
	}
}
