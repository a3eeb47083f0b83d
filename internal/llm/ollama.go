package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolbridge/internal/httpkit"
)

const (
	ollamaProvider = "ollama"

	// maxResponseBytes bounds a single /api/chat reply.
	maxResponseBytes = 32 << 20
)

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	BaseURL string

	// Temperature and NumCtx are sent as model options when set.
	Temperature *float64
	NumCtx      int

	// HTTPClient defaults to an httpkit client with a five minute
	// timeout; large local models can be slow to answer.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OllamaClient calls the Ollama /api/chat endpoint without streaming.
type OllamaClient struct {
	baseURL    string
	options    *ollamaOptions
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(cfg.Logger),
		)
	}

	var opts *ollamaOptions
	if cfg.Temperature != nil || cfg.NumCtx > 0 {
		opts = &ollamaOptions{Temperature: cfg.Temperature, NumCtx: cfg.NumCtx}
	}

	return &OllamaClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		options:    opts,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("provider", ollamaProvider),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []Tool          `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name string `json:"name"`

		// Arguments is normally an object; some models send a JSON
		// string instead.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ollamaWireResponse is the /api/chat reply as sent on the wire.
type ollamaWireResponse struct {
	Model      string        `json:"model"`
	CreatedAt  string        `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
	Error      string        `json:"error,omitempty"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends one non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   false,
		Tools:    tools,
		Options:  c.options,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Provider: ollamaProvider, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{
			Provider:   ollamaProvider,
			StatusCode: resp.StatusCode,
			Message:    ollamaErrorMessage(httpkit.ReadErrorBody(resp.Body, 4096)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &BackendError{Provider: ollamaProvider, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Log(ctx, LevelTrace, "response payload", "json", string(raw))

	var wire ollamaWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &MalformedResponseError{Provider: ollamaProvider, Detail: "decode /api/chat reply", Err: err}
	}
	if wire.Error != "" {
		return nil, &BackendError{Provider: ollamaProvider, Message: wire.Error}
	}

	out, err := wire.toChatResponse(ToolNames(tools))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("chat complete",
		"model", out.Model,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

// toChatResponse converts the wire reply. validTools limits recovery of
// tool calls written into the text.
func (w *ollamaWireResponse) toChatResponse(validTools []string) (*ChatResponse, error) {
	if w.Message.Role != "" && w.Message.Role != RoleAssistant {
		return nil, &MalformedResponseError{
			Provider: ollamaProvider,
			Detail:   fmt.Sprintf("reply has role %q", w.Message.Role),
		}
	}

	out := &ChatResponse{
		Model:         w.Model,
		Provider:      ollamaProvider,
		Message:       Message{Role: RoleAssistant, Content: w.Message.Content},
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		out.CreatedAt = t
	}

	for _, tc := range w.Message.ToolCalls {
		call := ToolCall{ID: tc.ID}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments, call.Err = decodeArguments(ollamaProvider, tc.Function.Arguments)
		if call.Function.Name == "" && call.Err == nil {
			call.Err = &MalformedResponseError{Provider: ollamaProvider, Detail: "tool call without a function name"}
		}
		if call.ID == "" {
			call.ID = newCallID()
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, call)
	}

	// Some models write the call into the text instead of tool_calls.
	if len(out.Message.ToolCalls) == 0 && len(validTools) > 0 && out.Message.Content != "" {
		if parsed := parseTextToolCalls(out.Message.Content, validTools); len(parsed) > 0 {
			for i := range parsed {
				parsed[i].ID = newCallID()
			}
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}
	return out, nil
}

// decodeArguments accepts an object, a JSON string holding an object,
// or nothing. Anything else is a malformed call.
func decodeArguments(provider string, raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &MalformedResponseError{Provider: provider, Detail: "tool call arguments", Err: err}
		}
		if strings.TrimSpace(s) == "" {
			return map[string]any{}, nil
		}
		raw = []byte(s)
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &MalformedResponseError{
			Provider: provider,
			Detail:   "tool call arguments are not a JSON object",
			Err:      err,
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			om.ToolName = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			var wc ollamaToolCall
			wc.ID = tc.ID
			wc.Function.Name = tc.Function.Name
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			wc.Function.Arguments, _ = json.Marshal(args)
			om.ToolCalls = append(om.ToolCalls, wc)
		}
		out = append(out, om)
	}
	return out
}

// ollamaErrorMessage extracts {"error": "..."} from an error body.
func ollamaErrorMessage(body string) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(body)
}

// Ping checks that Ollama answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the models installed in Ollama.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Provider: ollamaProvider, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{
			Provider:   ollamaProvider,
			StatusCode: resp.StatusCode,
			Message:    ollamaErrorMessage(httpkit.ReadErrorBody(resp.Body, 4096)),
		}
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &MalformedResponseError{Provider: ollamaProvider, Detail: "decode /api/tags reply", Err: err}
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// IsBackendError reports whether err came from a model backend.
func IsBackendError(err error) bool {
	var be *BackendError
	var me *MalformedResponseError
	return errors.As(err, &be) || errors.As(err, &me)
}
