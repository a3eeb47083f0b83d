package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolbridge/internal/llm"
)

// Turn kinds. They match the llm message roles.
const (
	RoleUser      = llm.RoleUser
	RoleAssistant = llm.RoleAssistant
	RoleTool      = llm.RoleTool
)

// Turn is one entry of a conversation.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content,omitempty"`
	Time    time.Time `json:"time"`

	// ToolCalls is set on assistant turns, in the order the model
	// emitted them.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// Result is set on tool turns.
	Result *ToolCallResult `json:"result,omitempty"`
}

// ToolCallRequest is one call the model asked for.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// Err is set when the model's arguments could not be decoded.
	Err error `json:"-"`
}

// ToolCallResult answers one ToolCallRequest.
type ToolCallResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Conversation is the ordered history of one chat. Every assistant turn
// with tool calls is followed by exactly one tool turn per call, in call
// order, before the next assistant turn.
type Conversation struct {
	ID string

	mu    sync.RWMutex
	turns []Turn
	open  map[string]bool // call ids issued and not yet answered
}

// ErrUnmatchedResult is returned by Append for a tool turn that answers
// no outstanding call.
var ErrUnmatchedResult = errors.New("tool result does not answer an outstanding call")

// NewConversation starts an empty conversation. An empty id gets a
// random one.
func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	return &Conversation{ID: id, open: make(map[string]bool)}
}

// Append adds a turn, stamping its time if unset. A tool turn must answer
// a call of an earlier assistant turn that has no result yet; anything
// else is rejected and the conversation is left unchanged.
func (c *Conversation) Append(t Turn) error {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t.Role {
	case RoleTool:
		if t.Result == nil {
			return fmt.Errorf("tool turn without a result: %w", ErrUnmatchedResult)
		}
		if !c.open[t.Result.CallID] {
			return fmt.Errorf("call id %q: %w", t.Result.CallID, ErrUnmatchedResult)
		}
		delete(c.open, t.Result.CallID)
	case RoleAssistant:
		for _, call := range t.ToolCalls {
			c.open[call.ID] = true
		}
	}
	c.turns = append(c.turns, t)
	return nil
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.turns)
}

// Len is the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Messages renders the conversation for a model, with system as the
// leading system message when set.
func (c *Conversation) Messages(system string) []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]llm.Message, 0, len(c.turns)+1)
	if system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, t := range c.turns {
		m := llm.Message{Role: t.Role, Content: t.Content}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
				ID: tc.ID,
				Function: llm.ToolCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if t.Result != nil {
			m.Content = t.Result.Content
			m.ToolCallID = t.Result.CallID
			m.ToolName = t.Result.Name
			m.IsError = t.Result.IsError
		}
		out = append(out, m)
	}
	return out
}

// Transcript renders the user and assistant turns as "[15:04] role: text"
// lines. Tool traffic is left out.
func (c *Conversation) Transcript() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	for _, t := range c.turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			continue
		}
		content := t.Content
		if content == "" && len(t.ToolCalls) > 0 {
			names := make([]string, len(t.ToolCalls))
			for i, tc := range t.ToolCalls {
				names[i] = tc.Name
			}
			content = "(calls " + strings.Join(names, ", ") + ")"
		}
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.Time.Format("15:04"), t.Role, content)
	}
	return sb.String()
}
