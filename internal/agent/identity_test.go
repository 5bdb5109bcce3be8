package agent

import "testing"

func TestNormalizeProvider(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"claude-code", "claude"},
		{"Claude Desktop", "claude"},
		{"cursor", "cursor"},
		{"github-copilot", "copilot"},
		{"Gemini CLI", "gemini"},
		{"SomeNewTool", "somenewtool"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := NormalizeProvider(tt.in); got != tt.want {
			t.Errorf("NormalizeProvider(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeriveID(t *testing.T) {
	t.Setenv("SAVECONTEXT_AGENT_ID", "")

	if got := DeriveID("", "", "claude"); got != "global-claude" {
		t.Errorf("expected global identity, got %q", got)
	}
	if got := DeriveID("/work/My API", "feat/login", "claude"); got != "my-api-feat-login-claude" {
		t.Errorf("unexpected identity %q", got)
	}
	if got := DeriveID("/work/api", "", "cursor"); got != "api-nobranch-cursor" {
		t.Errorf("unexpected identity %q", got)
	}
}

func TestDeriveIDEnvOverride(t *testing.T) {
	t.Setenv("SAVECONTEXT_AGENT_ID", "pinned-agent")
	if got := DeriveID("/work/api", "main", "claude"); got != "pinned-agent" {
		t.Errorf("expected env override, got %q", got)
	}
}

func TestDeriveChannel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "general"},
		{"main", "general"},
		{"master", "general"},
		{"feat/login", "feat-login"},
		{"Feature/Very-Long-Branch-Name-Overflow", "feature-very-long-br"},
	}
	for _, tt := range tests {
		got := DeriveChannel(tt.in)
		if got != tt.want {
			t.Errorf("DeriveChannel(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(got) > 20 {
			t.Errorf("DeriveChannel(%q) exceeds channel limit: %q", tt.in, got)
		}
	}
}
