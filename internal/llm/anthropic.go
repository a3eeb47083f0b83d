package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/toolbridge/internal/httpkit"
)

const anthropicProvider = "anthropic"

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string // empty for the public API

	// MaxTokens caps each reply. Defaults to 4096.
	MaxTokens int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AnthropicClient talks to the Anthropic Messages API through the
// official SDK.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.HTTPClient == nil {
		// Replies can take a long time before the first header arrives.
		// Rely on ctx deadlines instead of a client timeout.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: int64(cfg.MaxTokens),
		logger:    cfg.Logger.With("provider", anthropicProvider),
	}
}

// Chat sends one Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  msgs,
		System:    system,
		Tools:     convertToolsToAnthropic(tools),
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if b, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(b))
		}
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, anthropicError(err)
	}

	result, err := convertFromAnthropic(msg)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("chat complete",
		"model", result.Model,
		"stop_reason", string(msg.StopReason),
		"tool_calls", len(result.Message.ToolCalls),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping verifies the API key by listing a single model.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return anthropicError(err)
	}
	return nil
}

// ListModels returns the model ids available to the API key.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(100)})
	if err != nil {
		return nil, anthropicError(err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// anthropicError wraps SDK failures so callers see a BackendError.
func anthropicError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Provider: anthropicProvider, Err: err}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &BackendError{
			Provider:   anthropicProvider,
			StatusCode: apiErr.StatusCode,
			Message:    apiErrorMessage(apiErr),
			Err:        err,
		}
	}
	return &BackendError{Provider: anthropicProvider, Err: err}
}

// apiErrorMessage pulls error.message out of the API's error body.
func apiErrorMessage(apiErr *anthropic.Error) string {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(apiErr.RawJSON()), &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return http.StatusText(apiErr.StatusCode)
}

// convertToAnthropic converts messages to the Messages API shape.
// System messages are lifted into the system prompt and consecutive tool
// results are grouped into a single user turn, which the API requires.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var systemParts []string
	var result []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			result = append(result, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != RoleTool {
			flush()
		}

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    id,
						Name:  tc.Function.Name,
						Input: args,
					},
				})
			}
			// The API rejects empty assistant turns.
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		}
	}
	flush()

	var system []anthropic.TextBlockParam
	if len(systemParts) > 0 {
		system = []anthropic.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
	}
	return result, system
}

func convertToolsToAnthropic(tools []Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := t.Function
		props := fn.Parameters.Properties
		if props == nil {
			props = map[string]*Property{}
		}
		tp := &anthropic.ToolParam{
			Name: fn.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   fn.Parameters.Required,
			},
		}
		if fn.Description != "" {
			tp.Description = anthropic.String(fn.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tp})
	}
	return out
}

// convertFromAnthropic converts a Messages API reply.
func convertFromAnthropic(msg *anthropic.Message) (*ChatResponse, error) {
	if msg == nil {
		return nil, &MalformedResponseError{Provider: anthropicProvider, Detail: "empty reply"}
	}

	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			call := ToolCall{ID: v.ID}
			call.Function.Name = v.Name
			call.Function.Arguments, call.Err = decodeArguments(anthropicProvider, json.RawMessage(v.JSON.Input.Raw()))
			toolCalls = append(toolCalls, call)
		}
	}

	return &ChatResponse{
		Model:    string(msg.Model),
		Provider: anthropicProvider,
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
