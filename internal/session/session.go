// Package session ties the pieces together: it starts the configured
// tool servers, loads their tools into a registry, and runs queries
// through the conversation loop until it is closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolbridge/internal/agent"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/tools"
)

// ErrClosed is returned by a session that was closed, either explicitly
// or because a tool server failed.
var ErrClosed = errors.New("session closed")

// TransportFunc builds the transport for one configured server.
type TransportFunc func(server config.ServerConfig, mcpCfg config.MCPConfig, logger *slog.Logger) mcp.Transport

// StdioTransport is the default TransportFunc: the server runs as a
// subprocess.
func StdioTransport(server config.ServerConfig, mcpCfg config.MCPConfig, logger *slog.Logger) mcp.Transport {
	return mcp.NewStdioTransport(mcp.StdioConfig{
		Name:          server.Name,
		Command:       server.Command,
		Args:          server.Args,
		Env:           server.EnvList(),
		ShutdownGrace: mcpCfg.ShutdownGrace,
		Logger:        logger.With("mcp_server", server.Name),
	})
}

// Options are the optional parts of Open.
type Options struct {
	Logger    *slog.Logger
	Transport TransportFunc

	// ID overrides the generated session ID.
	ID string

	// Model overrides cfg.Models.Default.
	Model string

	// Hooks observe every query of the session.
	Hooks agent.Hooks
}

// Session is a set of connected tool servers and one conversation.
// Queries run one at a time.
type Session struct {
	ID string

	logger   *slog.Logger
	clients  []*mcp.Client
	registry *tools.Registry
	loop     *agent.Loop
	started  time.Time

	mu     sync.Mutex // held for the whole of a query
	conv   *agent.Conversation
	onTurn func(agent.Turn)
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Open connects every configured server, bounded by the handshake
// timeout, and loads their tools. If anything fails, every server that
// was started is stopped again and no session is returned.
func Open(ctx context.Context, cfg *config.Config, client llm.Client, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newTransport := opts.Transport
	if newTransport == nil {
		newTransport = StdioTransport
	}
	model := opts.Model
	if model == "" {
		model = cfg.Models.Default
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		ID:       id,
		logger:   logger,
		registry: tools.NewRegistry(logger),
		started:  time.Now(),
	}
	s.logger = logger.With("session", s.ID)
	s.conv = agent.NewConversation(s.ID)

	for _, sc := range cfg.MCP.Servers {
		tr := newTransport(sc, cfg.MCP, logger)
		s.clients = append(s.clients, mcp.NewClient(sc.Name, tr, logger))
	}

	if err := s.connect(ctx, cfg.MCP.HandshakeTimeout); err != nil {
		s.Close()
		return nil, err
	}

	namespace := cfg.MCP.Namespace == config.NamespaceAlways ||
		(cfg.MCP.Namespace == config.NamespaceAuto && len(cfg.MCP.Servers) > 1)
	sources := make([]tools.Source, len(s.clients))
	for i, c := range s.clients {
		sc := cfg.MCP.Servers[i]
		sources[i] = tools.Source{
			Provider:  c,
			Namespace: namespace,
			Include:   sc.IncludeTools,
			Exclude:   sc.ExcludeTools,
		}
	}

	lctx, cancel := context.WithTimeout(ctx, cfg.MCP.HandshakeTimeout)
	err := s.registry.Load(lctx, sources...)
	cancel()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load tools: %w", err)
	}

	hooks := opts.Hooks
	s.loop = agent.NewLoop(client, s.registry, agent.Config{
		Model:             model,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		Context:           s.serverInstructions(),
		MaxTurns:          cfg.Agent.MaxTurns,
		ParallelToolCalls: cfg.Agent.ParallelToolCalls,
		CallTimeout:       cfg.MCP.CallTimeout,
		Hooks: agent.Hooks{
			OnTurn: func(t agent.Turn) {
				if hooks.OnTurn != nil {
					hooks.OnTurn(t)
				}
				// Set by AskFunc while s.mu is held.
				if s.onTurn != nil {
					s.onTurn(t)
				}
			},
			OnModelResponse: hooks.OnModelResponse,
		},
	}, s.logger)

	s.logger.Info("session ready",
		"servers", len(s.clients),
		"tools", s.registry.Len(),
		"model", model,
		"namespaced", namespace,
		"elapsed", time.Since(s.started).Round(time.Millisecond),
	)
	return s, nil
}

// connect starts every server concurrently. The first failure cancels
// the rest.
func (s *Session) connect(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.clients {
		g.Go(func() error {
			if err := c.Connect(gctx); err != nil {
				return fmt.Errorf("connect %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// serverInstructions turns what servers said about themselves during
// the handshake into system prompt sections.
func (s *Session) serverInstructions() agent.ContextProvider {
	c := agent.NewCompositeContextProvider()
	for _, client := range s.clients {
		if text := client.Instructions(); text != "" {
			c.Add(agent.StaticContext(fmt.Sprintf("Instructions from tool server %s:\n%s", client.Name(), text)))
		}
	}
	return c
}

// Ask runs one query in the session's conversation.
func (s *Session) Ask(ctx context.Context, query string) (*agent.Result, error) {
	return s.AskFunc(ctx, query, nil)
}

// AskFunc is Ask with onTurn called for every turn appended by this
// query. A tool server failure closes the session; the error is still
// returned to this caller and later calls get ErrClosed.
func (s *Session) AskFunc(ctx context.Context, query string, onTurn func(agent.Turn)) (*agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.onTurn = onTurn
	defer func() { s.onTurn = nil }()

	res, err := s.loop.Run(ctx, s.conv, query)
	if err != nil && mcp.IsFatal(err) {
		s.logger.Error("tool server failed, closing session", "error", err)
		s.closeLocked()
	}
	return res, err
}

// Reset starts a new, empty conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv = agent.NewConversation("")
	s.logger.Info("conversation cleared", "conversation", s.conv.ID)
}

// Conversation returns the current conversation.
func (s *Session) Conversation() *agent.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Select limits the tools offered to the model to the named servers.
// No names selects every server.
func (s *Session) Select(servers ...string) error {
	return s.registry.Select(servers...)
}

// Servers reports each server with its tool count and selection.
func (s *Session) Servers() []tools.ServerStatus { return s.registry.Servers() }

// Tools returns the selected tools.
func (s *Session) Tools() []*tools.Descriptor { return s.registry.Descriptors() }

// Warnings returns the schema warnings recorded while loading tools.
func (s *Session) Warnings() []tools.Warning { return s.registry.Warnings() }

// Model is the model queries are sent to.
func (s *Session) Model() string { return s.loop.Model() }

// Uptime is the time since Open started.
func (s *Session) Uptime() time.Duration { return time.Since(s.started) }

// Ping checks every server. It does not wait for a running query.
func (s *Session) Ping(ctx context.Context) error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether the session can still run queries.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every tool server. It waits for a running query to
// finish; cancel its context first to stop it sooner. Close is
// idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	s.closeOnce.Do(func() {
		s.closed = true
		var wg sync.WaitGroup
		errs := make([]error, len(s.clients))
		for i, c := range s.clients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Close()
			}()
		}
		wg.Wait()
		s.closeErr = errors.Join(errs...)
		s.logger.Info("session closed", "uptime", time.Since(s.started).Round(time.Second))
	})
	return s.closeErr
}
