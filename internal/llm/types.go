// Package llm talks to chat models that support function calling.
// Every backend takes the same provider-neutral messages and tool
// declarations; wire formats are converted at the provider boundary
// (ollama.go, anthropic.go).
package llm

import (
	"time"

	"github.com/nugget/toolbridge/internal/config"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = config.LevelTrace

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Set on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	// ID correlates the call with its result. Providers that do not
	// issue ids get a generated one.
	ID       string           `json:"id,omitempty"`
	Function ToolCallFunction `json:"function"`

	// Err is set when the model emitted this call with arguments that
	// could not be decoded into an object. The call is still reported
	// so that it can be answered with an error result.
	Err error `json:"-"`
}

// ToolCallFunction names the tool and carries decoded arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the provider-neutral reply to a Chat call.
type ChatResponse struct {
	Model     string
	Provider  string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}
