package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/tools"
)

// mockLLM replays canned responses and records every request.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error // returned once responses run out, if set
	calls     []mockCall
}

type mockCall struct {
	Model    string
	Messages []llm.Message
	Tools    []llm.Tool
}

func (m *mockLLM) Chat(_ context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Model: model, Messages: messages, Tools: tools})
	if len(m.responses) == 0 {
		if m.err != nil {
			return nil, m.err
		}
		return nil, &llm.BackendError{Provider: "mock", Message: "no more responses"}
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: s},
		InputTokens:  10,
		OutputTokens: 2,
	}
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.ToolCallFunction{Name: name, Arguments: args}}
}

// fakeServer is a tool provider whose tools are Go functions.
type fakeServer struct {
	name     string
	tools    []mcp.Tool
	handlers map[string]func(ctx context.Context, args map[string]any) (*mcp.ToolResult, error)
	calls    atomic.Int64
}

func (s *fakeServer) Name() string { return s.name }

func (s *fakeServer) ListTools(context.Context) ([]mcp.Tool, error) { return s.tools, nil }

func (s *fakeServer) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	s.calls.Add(1)
	h, ok := s.handlers[name]
	if !ok {
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "no such tool " + name}
	}
	return h(ctx, args)
}

func newFakeServer() *fakeServer {
	s := &fakeServer{
		name: "demo",
		tools: []mcp.Tool{
			{Name: "lookup", Description: "Look up a key", InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`)},
			{Name: "sleep", Description: "Sleep, then echo", InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"number"},"tag":{"type":"string"}}}`)},
			{Name: "fail", Description: "Always fails", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "rpcerr", Description: "Server rejects the call", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "die", Description: "Server connection breaks", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}
	facts := map[string]string{"x": "y"}
	s.handlers = map[string]func(context.Context, map[string]any) (*mcp.ToolResult, error){
		"lookup": func(_ context.Context, args map[string]any) (*mcp.ToolResult, error) {
			key, _ := args["key"].(string)
			v, ok := facts[key]
			if !ok {
				return &mcp.ToolResult{Text: "no value for " + key, IsError: true}, nil
			}
			return &mcp.ToolResult{Text: v}, nil
		},
		"sleep": func(ctx context.Context, args map[string]any) (*mcp.ToolResult, error) {
			ms, _ := args["ms"].(float64)
			tag, _ := args["tag"].(string)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return &mcp.ToolResult{Text: tag}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"fail": func(context.Context, map[string]any) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Text: "it broke", IsError: true}, nil
		},
		"rpcerr": func(context.Context, map[string]any) (*mcp.ToolResult, error) {
			return nil, fmt.Errorf("tools/call rpcerr: %w", &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "bad params"})
		},
		"die": func(context.Context, map[string]any) (*mcp.ToolResult, error) {
			return nil, &mcp.ConnectionError{Server: "demo", Op: "tools/call", Err: io.EOF}
		},
	}
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTestLoop(t *testing.T, mock *mockLLM, srv *fakeServer, cfg Config) *Loop {
	t.Helper()
	reg := tools.NewRegistry(quietLogger())
	if err := reg.Load(context.Background(), tools.Source{Provider: srv}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return NewLoop(mock, reg, cfg, quietLogger())
}

func roles(turns []Turn) string {
	var parts []string
	for _, t := range turns {
		parts = append(parts, t.Role)
	}
	return strings.Join(parts, ",")
}

func TestLoop_PlainAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("4")}}
	srv := newFakeServer()
	loop := buildTestLoop(t, mock, srv, Config{SystemPrompt: "be brief"})
	conv := NewConversation("")

	res, err := loop.Run(context.Background(), conv, "What is 2+2?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "4" {
		t.Errorf("Content = %q, want %q", res.Content, "4")
	}
	if len(mock.calls) != 1 {
		t.Errorf("model calls = %d, want 1", len(mock.calls))
	}
	if res.ModelCalls != 1 || res.ToolCalls != 0 {
		t.Errorf("ModelCalls/ToolCalls = %d/%d, want 1/0", res.ModelCalls, res.ToolCalls)
	}
	if got := roles(conv.Turns()); got != "user,assistant" {
		t.Errorf("turns = %s, want user,assistant", got)
	}

	msgs := mock.calls[0].Messages
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "be brief" {
		t.Errorf("first message = %+v, want system prompt", msgs[0])
	}
	if len(mock.calls[0].Tools) != 5 {
		t.Errorf("declared tools = %d, want 5", len(mock.calls[0].Tools))
	}
	if srv.calls.Load() != 0 {
		t.Errorf("tool server called %d times, want 0", srv.calls.Load())
	}
}

func TestLoop_SingleToolCall(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c1", "lookup", map[string]any{"key": "x"})),
		text("The answer is y"),
	}}
	srv := newFakeServer()
	loop := buildTestLoop(t, mock, srv, Config{})
	conv := NewConversation("")

	res, err := loop.Run(context.Background(), conv, "look up x")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "The answer is y" {
		t.Errorf("Content = %q", res.Content)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(mock.calls))
	}
	if srv.calls.Load() != 1 {
		t.Errorf("tool calls = %d, want 1", srv.calls.Load())
	}

	turns := conv.Turns()
	if got := roles(turns); got != "user,assistant,tool,assistant" {
		t.Fatalf("turns = %s", got)
	}
	r := turns[2].Result
	if r.CallID != "c1" || r.Content != "y" || r.IsError {
		t.Errorf("tool result = %+v", r)
	}

	// The second model call sees the tool result.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.Content != "y" || last.ToolCallID != "c1" || last.ToolName != "lookup" {
		t.Errorf("last message of second call = %+v", last)
	}
	if res.InputTokens != 20 || res.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 20/7", res.InputTokens, res.OutputTokens)
	}
}

func TestLoop_UnknownToolNeverReachesServer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c1", "nonexistent", map[string]any{})),
		text("Sorry, I could not do that."),
	}}
	srv := newFakeServer()
	loop := buildTestLoop(t, mock, srv, Config{})
	conv := NewConversation("")

	res, err := loop.Run(context.Background(), conv, "do the impossible")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if srv.calls.Load() != 0 {
		t.Errorf("tool server called %d times, want 0", srv.calls.Load())
	}
	r := conv.Turns()[2].Result
	if !r.IsError {
		t.Error("result is not an error")
	}
	if !strings.Contains(r.Content, `unknown tool "nonexistent"`) {
		t.Errorf("content = %q", r.Content)
	}
	if !strings.Contains(r.Content, "lookup") {
		t.Errorf("content = %q, want the available tools listed", r.Content)
	}
	if res.Content != "Sorry, I could not do that." {
		t.Errorf("Content = %q", res.Content)
	}

	msgs := mock.calls[1].Messages
	if last := msgs[len(msgs)-1]; !last.IsError {
		t.Errorf("tool message sent to model without error flag: %+v", last)
	}
}

func TestLoop_ToolFailuresBecomeErrorResults(t *testing.T) {
	tests := []struct {
		name    string
		call    llm.ToolCall
		wantSub string
	}{
		{name: "provider isError", call: call("c", "fail", nil), wantSub: "it broke"},
		{name: "rpc error", call: call("c", "rpcerr", nil), wantSub: "bad params"},
		{name: "argument validation", call: call("c", "lookup", map[string]any{"key": 7}), wantSub: "invalid arguments for lookup"},
		{name: "missing argument", call: call("c", "lookup", nil), wantSub: "invalid arguments for lookup"},
		{
			name:    "malformed arguments",
			call:    llm.ToolCall{ID: "c", Function: llm.ToolCallFunction{Name: "lookup"}, Err: &llm.MalformedResponseError{Provider: "mock", Detail: "not an object"}},
			wantSub: "could not be parsed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls(tt.call), text("ok")}}
			loop := buildTestLoop(t, mock, newFakeServer(), Config{})
			conv := NewConversation("")

			if _, err := loop.Run(context.Background(), conv, "go"); err != nil {
				t.Fatalf("Run: %v", err)
			}
			r := conv.Turns()[2].Result
			if !r.IsError {
				t.Errorf("IsError = false, want true")
			}
			if !strings.Contains(r.Content, tt.wantSub) {
				t.Errorf("content = %q, want it to contain %q", r.Content, tt.wantSub)
			}
		})
	}
}

func TestLoop_ConcurrentResultsInCallOrder(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("a", "sleep", map[string]any{"ms": 200, "tag": "first"}),
			call("b", "sleep", map[string]any{"ms": 20, "tag": "second"}),
			call("c", "sleep", map[string]any{"ms": 150, "tag": "third"}),
		),
		text("done"),
	}}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{ParallelToolCalls: 3})
	conv := NewConversation("")

	start := time.Now()
	if _, err := loop.Run(context.Background(), conv, "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	turns := conv.Turns()
	want := []struct{ id, content string }{{"a", "first"}, {"b", "second"}, {"c", "third"}}
	for i, w := range want {
		r := turns[2+i].Result
		if r.CallID != w.id || r.Content != w.content {
			t.Errorf("result %d = %s/%q, want %s/%q", i, r.CallID, r.Content, w.id, w.content)
		}
	}
	// Sequential execution would take 370ms.
	if elapsed >= 350*time.Millisecond {
		t.Errorf("elapsed %v, calls do not appear to run concurrently", elapsed)
	}
}

func TestLoop_ParallelLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	srv := newFakeServer()
	srv.handlers["sleep"] = func(context.Context, map[string]any) (*mcp.ToolResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &mcp.ToolResult{Text: "ok"}, nil
	}

	var calls []llm.ToolCall
	for i := range 6 {
		calls = append(calls, call(fmt.Sprintf("c%d", i), "sleep", nil))
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls(calls...), text("done")}}
	loop := buildTestLoop(t, mock, srv, Config{ParallelToolCalls: 2})

	if _, err := loop.Run(context.Background(), NewConversation(""), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestLoop_DuplicateAndMissingCallIDs(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("call_1_1", "lookup", map[string]any{"key": "x"}),
			call("same", "lookup", map[string]any{"key": "x"}),
			call("same", "lookup", map[string]any{"key": "x"}),
			call("", "lookup", map[string]any{"key": "x"}),
		),
		text("done"),
	}}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{})
	conv := NewConversation("")
	if _, err := loop.Run(context.Background(), conv, "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	turns := conv.Turns()
	calls := turns[1].ToolCalls
	if len(calls) != 4 || calls[0].ID != "call_1_1" || calls[1].ID != "same" {
		t.Fatalf("backend ids not kept: %+v", calls)
	}
	seen := map[string]bool{}
	for i, tc := range calls {
		if tc.ID == "" || seen[tc.ID] {
			t.Errorf("call %d id %q is empty or repeated", i, tc.ID)
		}
		seen[tc.ID] = true
		if turns[2+i].Result.CallID != tc.ID {
			t.Errorf("result %d answers %q, want %q", i, turns[2+i].Result.CallID, tc.ID)
		}
	}
}

func TestLoop_MaxTurns(t *testing.T) {
	var responses []*llm.ChatResponse
	for i := range 5 {
		responses = append(responses, toolCalls(call(fmt.Sprintf("c%d", i), "lookup", map[string]any{"key": "x"})))
	}
	mock := &mockLLM{responses: responses}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{MaxTurns: 3})
	conv := NewConversation("")

	res, err := loop.Run(context.Background(), conv, "loop forever")
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Stage != StageLimit {
		t.Errorf("err = %v, want QueryError at limit stage", err)
	}
	if len(mock.calls) != 3 || res.ModelCalls != 3 {
		t.Errorf("model calls = %d (result %d), want 3", len(mock.calls), res.ModelCalls)
	}
	// Still well-formed: the last assistant turn has its result.
	if got := roles(conv.Turns()); got != "user,assistant,tool,assistant,tool,assistant,tool" {
		t.Errorf("turns = %s", got)
	}
}

func TestLoop_ModelFailure(t *testing.T) {
	backendErr := &llm.BackendError{Provider: "mock", StatusCode: 500, Message: "overloaded"}
	mock := &mockLLM{err: backendErr}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{})
	conv := NewConversation("")

	_, err := loop.Run(context.Background(), conv, "hi")
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Stage != StageModel {
		t.Fatalf("err = %v, want QueryError at model stage", err)
	}
	var be *llm.BackendError
	if !errors.As(err, &be) {
		t.Errorf("BackendError not reachable through %v", err)
	}
	if got := roles(conv.Turns()); got != "user" {
		t.Errorf("turns = %s, want user", got)
	}
}

func TestLoop_FatalTransportErrorKeepsConversationWellFormed(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("a", "lookup", map[string]any{"key": "x"}),
			call("b", "die", nil),
		),
	}}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{})
	conv := NewConversation("")

	_, err := loop.Run(context.Background(), conv, "go")
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Stage != StageDispatch {
		t.Fatalf("err = %v, want QueryError at dispatch stage", err)
	}
	if !mcp.IsFatal(err) {
		t.Error("transport failure not visible through QueryError")
	}

	turns := conv.Turns()
	if got := roles(turns); got != "user,assistant,tool,tool" {
		t.Fatalf("turns = %s", got)
	}
	if turns[2].Result.Content != "y" {
		t.Errorf("first result = %+v", turns[2].Result)
	}
	if !turns[3].Result.IsError {
		t.Errorf("second result = %+v, want error", turns[3].Result)
	}
}

func TestLoop_CallTimeout(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("a", "sleep", map[string]any{"ms": 5000})),
		text("gave up"),
	}}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{CallTimeout: 30 * time.Millisecond})
	conv := NewConversation("")

	res, err := loop.Run(context.Background(), conv, "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := conv.Turns()[2].Result
	if !r.IsError || !strings.Contains(r.Content, "timed out") {
		t.Errorf("result = %+v, want timeout error", r)
	}
	if res.Content != "gave up" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := newFakeServer()
	srv.handlers["sleep"] = func(ctx context.Context, _ map[string]any) (*mcp.ToolResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls(call("a", "sleep", nil)), text("unused")}}
	loop := buildTestLoop(t, mock, srv, Config{})
	conv := NewConversation("")

	_, err := loop.Run(ctx, conv, "go")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := roles(conv.Turns()); got != "user,assistant,tool" {
		t.Errorf("turns = %s", got)
	}
	if len(mock.calls) != 1 {
		t.Errorf("model calls = %d, want 1", len(mock.calls))
	}
}

func TestLoop_Hooks(t *testing.T) {
	var turns []string
	var responses int
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("c1", "lookup", map[string]any{"key": "x"})),
		text("y"),
	}}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{Hooks: Hooks{
		OnTurn:          func(tn Turn) { turns = append(turns, tn.Role) },
		OnModelResponse: func(string, *llm.ChatResponse) { responses++ },
	}})

	if _, err := loop.Run(context.Background(), NewConversation(""), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(turns, ","); got != "user,assistant,tool,assistant" {
		t.Errorf("OnTurn saw %s", got)
	}
	if responses != 2 {
		t.Errorf("OnModelResponse called %d times, want 2", responses)
	}
}

func TestLoop_HistoryCarriesAcrossQueries(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("first"), text("second")}}
	loop := buildTestLoop(t, mock, newFakeServer(), Config{})
	conv := NewConversation("c")

	for _, q := range []string{"one", "two"} {
		if _, err := loop.Run(context.Background(), conv, q); err != nil {
			t.Fatalf("Run(%q): %v", q, err)
		}
	}
	if n := len(mock.calls[1].Messages); n != 3 {
		t.Errorf("second query sent %d messages, want 3", n)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{AwaitingModel: "awaiting_model", DispatchingTools: "dispatching_tools", Done: "done"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
