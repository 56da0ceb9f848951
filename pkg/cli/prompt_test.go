package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		input, def, want string
	}{
		{"hello\n", "default", "hello"},
		{"\n", "fallback", "fallback"},
		{"   \n", "fallback", "fallback"},
		{"", "eof", "eof"},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Ask("Name", tt.def); got != tt.want {
			t.Errorf("Ask(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAskRequired(t *testing.T) {
	p, out := newTestPrompter("\n\nalice\n")
	got, err := p.AskRequired("Username")
	if err != nil || got != "alice" {
		t.Fatalf("AskRequired() = %q, %v", got, err)
	}
	if strings.Count(out.String(), "A value is required") != 2 {
		t.Errorf("expected two reprompts, got output %q", out.String())
	}

	p, _ = newTestPrompter("\n")
	if _, err := p.AskRequired("Username"); !errors.Is(err, ErrNoInput) {
		t.Errorf("AskRequired() at EOF err = %v, want ErrNoInput", err)
	}
}

func TestAskPassword_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestAskNewPassword(t *testing.T) {
	p, out := newTestPrompter("short\nlong-enough\nmismatch\nlong-enough\nlong-enough\n")
	got, err := p.AskNewPassword("Password", 8)
	if err != nil {
		t.Fatalf("AskNewPassword() error = %v", err)
	}
	if got != "long-enough" {
		t.Errorf("AskNewPassword() = %q", got)
	}
	if !strings.Contains(out.String(), "at least 8") || !strings.Contains(out.String(), "do not match") {
		t.Errorf("missing validation messages in %q", out.String())
	}

	p, _ = newTestPrompter("")
	if _, err := p.AskNewPassword("Password", 8); !errors.Is(err, ErrNoInput) {
		t.Errorf("AskNewPassword() at EOF err = %v, want ErrNoInput", err)
	}
}

func TestAskDuration(t *testing.T) {
	p, _ := newTestPrompter("soon\n-5m\n45m\n")
	if got := p.AskDuration("TTL", time.Minute); got != 45*time.Minute {
		t.Errorf("AskDuration() = %v, want 45m", got)
	}

	p, _ = newTestPrompter("soon\n")
	if got := p.AskDuration("TTL", time.Hour); got != time.Hour {
		t.Errorf("AskDuration() at EOF = %v, want default", got)
	}
}

func TestChoose(t *testing.T) {
	options := []string{"alpha", "beta", "gamma"}
	tests := []struct {
		input string
		def   int
		want  string
	}{
		{"2\n", 0, "beta"},
		{"\n", 1, "beta"},
		{"9\n3\n", 0, "gamma"},
		{"nope\n", 2, "gamma"},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Choose("Pick one", options, tt.def); got != tt.want {
			t.Errorf("Choose(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}
