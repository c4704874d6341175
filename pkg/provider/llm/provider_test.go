package llm

import "testing"

func TestKnownCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantOutput int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"gemini-1.5-flash", 1_048_576, 8_192},
		{"GEMINI-1.5-PRO", 2_097_152, 8_192},
		{"gemini-exp", 128_000, 8_192},
		{"mystery-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := KnownCapabilities(tt.model)
			if caps.ContextWindow != tt.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.wantWindow)
			}
			if caps.MaxOutputTokens != tt.wantOutput {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.wantOutput)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("empty: got %d", got)
	}
	// "Hola" -> 1 token + 4 overhead; 8 chars -> 2 + 4.
	got := EstimateTokens([]Message{
		{Role: RoleUser, Content: "Hola"},
		{Role: RoleAssistant, Content: "12345678"},
	})
	if got != 11 {
		t.Errorf("got %d, want 11", got)
	}
}
