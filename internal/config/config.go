// Package config loads toolbridge configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolbridge", "config.yaml"))
	}
	return append(paths, "/etc/toolbridge/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config is the root of config.yaml.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	DataDir   string          `yaml:"data_dir"`
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MCP       MCPConfig       `yaml:"mcp"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ListenConfig is the bind address of the HTTP API (toolbridge serve).
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ModelsConfig selects the model and the backends that serve it.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`

	// Temperature is passed through to Ollama when set.
	Temperature *float64 `yaml:"temperature"`
	NumCtx      int      `yaml:"num_ctx"`

	// Available maps model names to providers. Models not listed go
	// to Ollama.
	Available []ModelConfig `yaml:"available"`

	// Pricing is used to cost the usage ledger. Unlisted models are
	// free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is a model's price in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelConfig binds a model name to a provider ("ollama" or "anthropic").
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// AnthropicConfig holds Anthropic API settings. Leave APIKey empty to
// disable the provider.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// MCPConfig lists the tool servers and the timeouts used to talk to them.
type MCPConfig struct {
	Servers []ServerConfig `yaml:"servers"`

	// ServersFile points at a JSON file in the {"name": {"command",
	// "args", "env"}} layout. Relative paths resolve against the
	// config file's directory. Its servers are appended to Servers.
	ServersFile string `yaml:"servers_file"`

	// Namespace controls server prefixes on tool names: "auto"
	// prefixes only when more than one server is configured.
	Namespace string `yaml:"namespace"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// Namespace modes.
const (
	NamespaceAuto   = "auto"
	NamespaceAlways = "always"
	NamespaceNever  = "never"
)

// ServerConfig describes one MCP server subprocess.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// IncludeTools, when non-empty, exposes only these tools.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTurns caps model calls per query.
	MaxTurns int `yaml:"max_turns"`

	// ParallelToolCalls bounds concurrent tool calls within one turn.
	// 1 dispatches sequentially.
	ParallelToolCalls int `yaml:"parallel_tool_calls"`

	// KeepThinking leaves <think> blocks in replies shown to users.
	KeepThinking bool `yaml:"keep_thinking"`
}

// DefaultSystemPrompt is used when agent.system_prompt is empty.
const DefaultSystemPrompt = `You are a helpful assistant with access to external tools.
Use tool results to give accurate, informative answers, and call a tool whenever the question needs live data.
Pass user-supplied values to tools exactly as written; do not reformat names or identifiers.
Call each tool only as often as the question requires.
If a tool reports an error, explain the problem instead of guessing.`

// Load reads, expands and validates a config file. ${VAR} references
// are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.MCP.ServersFile != "" {
		p := cfg.MCP.ServersFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		servers, err := LoadServerFile(p)
		if err != nil {
			return nil, err
		}
		cfg.MCP.Servers = append(cfg.MCP.Servers, servers...)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// MCP servers.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:8b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}
	if c.MCP.Namespace == "" {
		c.MCP.Namespace = NamespaceAuto
	}
	if c.MCP.HandshakeTimeout == 0 {
		c.MCP.HandshakeTimeout = 30 * time.Second
	}
	if c.MCP.CallTimeout == 0 {
		c.MCP.CallTimeout = 2 * time.Minute
	}
	if c.MCP.ShutdownGrace == 0 {
		c.MCP.ShutdownGrace = 5 * time.Second
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 10
	}
	if c.Agent.ParallelToolCalls == 0 {
		c.Agent.ParallelToolCalls = 4
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if u, err := url.Parse(c.Models.OllamaURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("models.ollama_url %q is not an absolute URL", c.Models.OllamaURL))
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	switch c.MCP.Namespace {
	case NamespaceAuto, NamespaceAlways, NamespaceNever:
	default:
		errs = append(errs, fmt.Errorf("mcp.namespace %q: want auto, always or never", c.MCP.Namespace))
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers: duplicate server name %q", s.Name))
		}
		seen[s.Name] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp server %q: command is required", s.Name))
		}
	}

	for model, p := range c.Models.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("models.pricing[%q]: prices must not be negative", model))
		}
	}

	if c.Agent.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("agent.max_turns must be at least 1, got %d", c.Agent.MaxTurns))
	}
	if c.Agent.ParallelToolCalls < 1 {
		errs = append(errs, fmt.Errorf("agent.parallel_tool_calls must be at least 1, got %d", c.Agent.ParallelToolCalls))
	}

	return errors.Join(errs...)
}

// ProviderFor returns the configured provider for model, "ollama" when
// the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}

// EnvList flattens Env into KEY=VALUE pairs for exec.
func (s ServerConfig) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}
