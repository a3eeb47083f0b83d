package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/toolbridge/internal/llm"
)

type failingContext struct{}

func (failingContext) GetContext(context.Context, string) (string, error) {
	return "", errors.New("unavailable")
}

type echoContext struct{}

func (echoContext) GetContext(_ context.Context, query string) (string, error) {
	return "Query was: " + query, nil
}

func TestCompositeContextProvider(t *testing.T) {
	c := NewCompositeContextProvider(StaticContext("first"), nil, failingContext{}, StaticContext("  "), echoContext{})

	got, err := c.GetContext(context.Background(), "q")
	if err == nil {
		t.Error("expected the failing provider's error")
	}
	if want := "first\n\nQuery was: q"; got != want {
		t.Errorf("GetContext = %q, want %q", got, want)
	}
}

func TestLoop_SystemPromptWithContext(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		ctx    ContextProvider
		want   string
	}{
		{name: "prompt only", prompt: "base", want: "base"},
		{name: "context only", ctx: StaticContext("extra"), want: "extra"},
		{name: "both", prompt: "base", ctx: StaticContext("extra"), want: "base\n\nextra"},
		{name: "failing context", prompt: "base", ctx: failingContext{}, want: "base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{text("ok")}}
			loop := buildTestLoop(t, mock, newFakeServer(), Config{SystemPrompt: tt.prompt, Context: tt.ctx})
			if _, err := loop.Run(context.Background(), NewConversation(""), "hi"); err != nil {
				t.Fatalf("Run: %v", err)
			}
			first := mock.calls[0].Messages[0]
			if first.Role != llm.RoleSystem || first.Content != tt.want {
				t.Errorf("system message = %+v, want %q", first, tt.want)
			}
		})
	}
}
