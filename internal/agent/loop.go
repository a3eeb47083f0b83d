// Package agent implements the conversation loop: it sends the
// conversation to a model, dispatches the tool calls the model asks for,
// feeds the results back, and repeats until the model answers in text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/tools"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxTurns          = 10
	DefaultParallelToolCalls = 4
)

// ErrMaxTurns means the model kept asking for tools until the per-query
// limit on model calls was reached.
var ErrMaxTurns = errors.New("maximum model calls per query reached")

// Stage names where a query failed.
type Stage string

const (
	StageModel    Stage = "model"
	StageDispatch Stage = "dispatch"
	StageLimit    Stage = "limit"
)

// QueryError is returned by Run when a query ends without an answer. The
// conversation is still well-formed: every tool call that was issued has
// its result turn.
type QueryError struct {
	Stage Stage
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed during %s: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// State is the loop's position in a query.
type State int

const (
	AwaitingModel State = iota
	DispatchingTools
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingModel:
		return "awaiting_model"
	case DispatchingTools:
		return "dispatching_tools"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Catalog is the set of tools the loop may offer and call.
// *tools.Registry implements it.
type Catalog interface {
	Declarations() []llm.Tool
	Resolve(name string) (*tools.Descriptor, error)
}

// Hooks observe a running query. They run on the loop's goroutine and
// must not block for long.
type Hooks struct {
	// OnTurn is called after each turn is appended.
	OnTurn func(Turn)

	// OnModelResponse is called after each successful model call.
	OnModelResponse func(conversationID string, resp *llm.ChatResponse)
}

// Config controls a Loop.
type Config struct {
	Model        string
	SystemPrompt string

	// Context adds sections after SystemPrompt, evaluated per query.
	Context ContextProvider

	// MaxTurns caps model calls per query.
	MaxTurns int

	// ParallelToolCalls bounds concurrent calls within one assistant turn.
	ParallelToolCalls int

	// CallTimeout bounds each tool call. Zero means no limit beyond ctx.
	CallTimeout time.Duration

	Hooks Hooks
}

// Result is the outcome of one query.
type Result struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	ModelCalls   int    `json:"model_calls"`
	ToolCalls    int    `json:"tool_calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Loop runs queries against one model and one tool catalog.
type Loop struct {
	logger  *slog.Logger
	llm     llm.Client
	catalog Catalog
	cfg     Config
}

// NewLoop creates a loop.
func NewLoop(client llm.Client, catalog Catalog, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.ParallelToolCalls <= 0 {
		cfg.ParallelToolCalls = DefaultParallelToolCalls
	}
	return &Loop{
		logger:  logger,
		llm:     client,
		catalog: catalog,
		cfg:     cfg,
	}
}

// Model is the model queries are sent to.
func (l *Loop) Model() string { return l.cfg.Model }

// Run appends query to conv and drives the conversation until the model
// replies without tool calls. The reply text is returned unchanged.
//
// Tool failures of any kind become error results the model can read.
// Model failures, a tool server that dies, and ctx cancellation end the
// query with *QueryError.
func (l *Loop) Run(ctx context.Context, conv *Conversation, query string) (*Result, error) {
	log := l.logger.With("conversation", conv.ID, "model", l.cfg.Model)
	res := &Result{Model: l.cfg.Model}

	system := l.systemPrompt(ctx, query, log)
	l.append(conv, Turn{Role: RoleUser, Content: query})

	for {
		if res.ModelCalls >= l.cfg.MaxTurns {
			log.Warn("query stopped at model call limit", "max_turns", l.cfg.MaxTurns)
			return res, &QueryError{Stage: StageLimit, Err: ErrMaxTurns}
		}

		log.Log(ctx, llm.LevelTrace, "loop state", "state", AwaitingModel, "model_calls", res.ModelCalls)
		resp, err := l.llm.Chat(ctx, l.cfg.Model, conv.Messages(system), l.catalog.Declarations())
		res.ModelCalls++
		if err != nil {
			log.Error("model call failed", "error", err)
			return res, &QueryError{Stage: StageModel, Err: err}
		}
		if resp.Model != "" {
			res.Model = resp.Model
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if h := l.cfg.Hooks.OnModelResponse; h != nil {
			h(conv.ID, resp)
		}

		calls := toolCallRequests(resp.Message.ToolCalls)
		l.append(conv, Turn{Role: RoleAssistant, Content: resp.Message.Content, ToolCalls: calls})

		if len(calls) == 0 {
			log.Log(ctx, llm.LevelTrace, "loop state", "state", Done)
			log.Info("query complete",
				"model_calls", res.ModelCalls,
				"tool_calls", res.ToolCalls,
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens,
			)
			res.Content = resp.Message.Content
			return res, nil
		}

		log.Log(ctx, llm.LevelTrace, "loop state", "state", DispatchingTools, "calls", len(calls))
		results, fatal := l.dispatch(ctx, calls)
		res.ToolCalls += len(calls)
		for i := range results {
			if err := l.append(conv, Turn{Role: RoleTool, Result: &results[i]}); err != nil {
				return res, &QueryError{Stage: StageDispatch, Err: err}
			}
		}

		if fatal == nil {
			fatal = ctx.Err()
		}
		if fatal != nil {
			log.Error("tool dispatch failed", "error", fatal)
			return res, &QueryError{Stage: StageDispatch, Err: fatal}
		}
	}
}

func (l *Loop) systemPrompt(ctx context.Context, query string, log *slog.Logger) string {
	if l.cfg.Context == nil {
		return l.cfg.SystemPrompt
	}
	extra, err := l.cfg.Context.GetContext(ctx, query)
	if err != nil {
		log.Warn("prompt context incomplete", "error", err)
	}
	switch {
	case extra == "":
		return l.cfg.SystemPrompt
	case l.cfg.SystemPrompt == "":
		return extra
	}
	return l.cfg.SystemPrompt + "\n\n" + extra
}

func (l *Loop) append(conv *Conversation, t Turn) error {
	if err := conv.Append(t); err != nil {
		return err
	}
	if h := l.cfg.Hooks.OnTurn; h != nil {
		h(t)
	}
	return nil
}

// toolCallRequests converts the model's calls. Backend ids are kept; a
// call with no id, or repeating an id already used in the same turn,
// gets a random one so every result can be matched to its call. The
// assistant turn records the id actually used.
func toolCallRequests(calls []llm.ToolCall) []ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCallRequest, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		out[i] = ToolCallRequest{
			ID:        id,
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
			Err:       c.Err,
		}
	}
	return out
}

// dispatch runs calls concurrently and returns their results in call
// order. The error is the first failure that should end the query; every
// call still has a result.
func (l *Loop) dispatch(ctx context.Context, calls []ToolCallRequest) ([]ToolCallResult, error) {
	results := make([]ToolCallResult, len(calls))

	var g errgroup.Group
	g.SetLimit(l.cfg.ParallelToolCalls)
	for i, call := range calls {
		g.Go(func() error {
			var err error
			results[i], err = l.execute(ctx, call)
			return err
		})
	}
	return results, g.Wait()
}

// execute runs one call. The returned error is set only for failures
// that end the query; everything else is reported in the result.
func (l *Loop) execute(ctx context.Context, call ToolCallRequest) (ToolCallResult, error) {
	start := time.Now()
	res := ToolCallResult{CallID: call.ID, Name: call.Name}
	log := l.logger.With("tool", call.Name, "call_id", call.ID)

	fail := func(format string, args ...any) ToolCallResult {
		res.Content = fmt.Sprintf(format, args...)
		res.IsError = true
		res.Duration = time.Since(start)
		log.Warn("tool call failed", "reason", res.Content)
		return res
	}

	if call.Err != nil {
		return fail("Error: the arguments for %s could not be parsed as a JSON object: %v", call.Name, call.Err), nil
	}

	d, err := l.catalog.Resolve(call.Name)
	if err != nil {
		return fail("Error: %v. Available tools: %s", err, l.toolList()), nil
	}

	if err := d.Validate(call.Arguments); err != nil {
		return fail("Error: %v", err), nil
	}

	cctx := ctx
	if l.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
	}

	log.Debug("calling tool", "server", d.Server, "remote_name", d.RemoteName)
	out, err := d.Call(cctx, call.Arguments)
	if err != nil {
		switch {
		case mcp.IsFatal(err):
			return fail("Error: tool server %s failed: %v", d.Server, err), err
		case ctx.Err() != nil:
			return fail("Error: tool call cancelled"), ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return fail("Error: tool call timed out after %s", l.cfg.CallTimeout), nil
		default:
			return fail("Error: tool call failed: %v", err), nil
		}
	}

	res.Content = out.Text
	res.IsError = out.IsError
	res.Duration = time.Since(start)
	log.Debug("tool call complete", "is_error", res.IsError, "bytes", len(res.Content), "elapsed", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (l *Loop) toolList() string {
	decls := l.catalog.Declarations()
	if len(decls) == 0 {
		return "(none)"
	}
	return strings.Join(llm.ToolNames(decls), ", ")
}
