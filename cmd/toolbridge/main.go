// Toolbridge connects a chat model to the tools of one or more MCP
// servers.
//
// The configured servers are started as subprocesses, their tools are
// offered to the model, and every tool call the model makes is routed
// back to the server that owns it. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolbridge chat              Interactive conversation
//	toolbridge ask <question>    Answer one question and exit
//	toolbridge tools             List the tools the model would see
//	toolbridge usage [since]     Summarize recorded token usage
//	toolbridge serve             Start the HTTP API
//	toolbridge init [dir]        Write a starter config.yaml
//	toolbridge version           Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/session"
	"github.com/nugget/toolbridge/internal/usage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" or "json"
	model      string
}

// run is the real entry point. Everything that touches the process
// (stdio, argv, signals) is passed in so tests can drive it.
//
// Arguments are parsed by hand: the flag package keeps global state,
// and the surface is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			opts.model = strings.TrimPrefix(args[i], "-model=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: toolbridge ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "usage":
		since := ""
		if len(cmdArgs) > 0 {
			since = cmdArgs[0]
		}
		return runUsage(ctx, stdout, stderr, opts, since)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolbridge - connect a chat model to MCP tool servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat              Interactive conversation")
	fmt.Fprintln(w, "  ask <question>    Answer one question and exit")
	fmt.Fprintln(w, "  tools             List the tools offered to the model")
	fmt.Fprintln(w, "  usage [since]     Summarize token usage (default: 24h)")
	fmt.Fprintln(w, "  serve             Start the HTTP API")
	fmt.Fprintln(w, "  init [dir]        Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Model to use instead of models.default")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a structured logger writing to w. Format must be
// "text" or "json"; anything else falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the config file. An explicit path must
// exist; with none given and nothing found, the defaults are used and
// no tool servers are started.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configLogger builds the logger for a command from the loaded config.
// fallback applies when log_level is unset: interactive commands stay
// quiet unless asked otherwise.
func configLogger(w io.Writer, cfg *config.Config, fallback slog.Level) *slog.Logger {
	level := fallback
	if cfg.LogLevel != "" {
		// Already checked by Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// createLLMClient builds a multi-provider client. Ollama serves every
// model not mapped to another provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollama := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:     cfg.Models.OllamaURL,
		Temperature: cfg.Models.Temperature,
		NumCtx:      cfg.Models.NumCtx,
		Logger:      logger,
	})
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			MaxTokens: cfg.Anthropic.MaxTokens,
			Logger:    logger,
		}))
		logger.Debug("anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Debug("llm client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)
	return multi
}

// openUsageStore opens the usage ledger under data_dir. It returns nil
// when no data directory is configured.
func openUsageStore(cfg *config.Config) (*usage.Store, error) {
	if cfg.DataDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	return store, nil
}

// bridge is everything a command needs to run queries.
type bridge struct {
	cfg     *config.Config
	logger  *slog.Logger
	llm     *llm.MultiClient
	usage   *usage.Store // nil without data_dir
	session *session.Session
}

// openBridge loads the config, builds the model client, opens the usage
// ledger and starts a session. source tags the session's usage records.
func openBridge(ctx context.Context, logw io.Writer, opts options, fallback slog.Level, source string) (*bridge, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := configLogger(logw, cfg, fallback)
	if cfgPath == "" {
		logger.Warn("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	b := &bridge{
		cfg:    cfg,
		logger: logger,
		llm:    createLLMClient(cfg, logger),
	}

	b.usage, err = openUsageStore(cfg)
	if err != nil {
		return nil, err
	}

	sopts := session.Options{
		ID:     uuid.NewString(),
		Logger: logger,
		Model:  opts.model,
	}
	if b.usage != nil {
		rec := usage.NewRecorder(b.usage, sopts.ID, source, cfg.Models.Pricing, logger)
		sopts.Hooks.OnModelResponse = rec.Observe
	}

	b.session, err = session.Open(ctx, cfg, b.llm, sopts)
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Close stops the tool servers and closes the ledger.
func (b *bridge) Close() error {
	var errs []error
	if b.session != nil {
		errs = append(errs, b.session.Close())
	}
	if b.usage != nil {
		errs = append(errs, b.usage.Close())
	}
	return errors.Join(errs...)
}
