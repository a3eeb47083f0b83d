package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeFile(t, t.TempDir(), "custom.yaml", "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}

	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if _, err := FindConfig(""); err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}

	writeFile(t, dir, "config.yaml", "log_level: info\n")
	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "mcp:\n  servers:\n    - name: demo\n      command: toolbridge-demo\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("max_turns = %d, want 10", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.ParallelToolCalls != 4 {
		t.Errorf("parallel_tool_calls = %d, want 4", cfg.Agent.ParallelToolCalls)
	}
	if cfg.MCP.HandshakeTimeout != 30*time.Second {
		t.Errorf("handshake_timeout = %v, want 30s", cfg.MCP.HandshakeTimeout)
	}
	if cfg.MCP.Namespace != NamespaceAuto {
		t.Errorf("namespace = %q, want %q", cfg.MCP.Namespace, NamespaceAuto)
	}
	if cfg.Agent.SystemPrompt != DefaultSystemPrompt {
		t.Error("system prompt default not applied")
	}
	if cfg.Models.OllamaURL != "http://localhost:11434" {
		t.Errorf("ollama_url = %q", cfg.Models.OllamaURL)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TOOLBRIDGE_TEST_KEY", "sk-ant-test")
	path := writeFile(t, t.TempDir(), "config.yaml", "anthropic:\n  api_key: ${TOOLBRIDGE_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test")
	}
}

func TestLoad_Durations(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "mcp:\n  call_timeout: 45s\n  shutdown_grace: 500ms\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MCP.CallTimeout != 45*time.Second {
		t.Errorf("call_timeout = %v, want 45s", cfg.MCP.CallTimeout)
	}
	if cfg.MCP.ShutdownGrace != 500*time.Millisecond {
		t.Errorf("shutdown_grace = %v, want 500ms", cfg.MCP.ShutdownGrace)
	}
}

func TestLoad_Pricing(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `models:
  pricing:
    claude-sonnet-4-5:
      input_per_million: 3
      output_per_million: 15
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p := cfg.Models.Pricing["claude-sonnet-4-5"]
	if p.InputPerMillion != 3 || p.OutputPerMillion != 15 {
		t.Errorf("pricing = %+v, want 3/15", p)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad namespace", func(c *Config) { c.MCP.Namespace = "sometimes" }, "mcp.namespace"},
		{"missing command", func(c *Config) {
			c.MCP.Servers = []ServerConfig{{Name: "x"}}
		}, "command is required"},
		{"duplicate server", func(c *Config) {
			c.MCP.Servers = []ServerConfig{{Name: "x", Command: "a"}, {Name: "x", Command: "b"}}
		}, "duplicate server name"},
		{"anthropic without key", func(c *Config) {
			c.Models.Available = []ModelConfig{{Name: "claude-sonnet-4-5", Provider: "anthropic"}}
		}, "anthropic.api_key is empty"},
		{"zero max turns", func(c *Config) { c.Agent.MaxTurns = -1 }, "max_turns"},
		{"relative ollama url", func(c *Config) { c.Models.OllamaURL = "localhost" }, "ollama_url"},
		{"negative price", func(c *Config) {
			c.Models.Pricing = map[string]PricingEntry{"m": {InputPerMillion: -1}}
		}, "models.pricing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadServerFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "servers.json", `{
  "zeta": {"command": "zeta-mcp", "args": ["--stdio"], "env": {"TOKEN": "abc"}},
  "alpha": {"command": "alpha-mcp"},
  "http_servers": {"remote": {"url": "http://example.com/mcp"}}
}`)
	path := writeFile(t, dir, "config.yaml", "mcp:\n  servers_file: servers.json\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.MCP.Servers))
	}
	if cfg.MCP.Servers[0].Name != "zeta" || cfg.MCP.Servers[1].Name != "alpha" {
		t.Errorf("server order = %q, %q; want file order zeta, alpha", cfg.MCP.Servers[0].Name, cfg.MCP.Servers[1].Name)
	}
	if got := cfg.MCP.Servers[0].EnvList(); len(got) != 1 || got[0] != "TOKEN=abc" {
		t.Errorf("EnvList = %v", got)
	}
	if got := cfg.MCP.Servers[0].Args; len(got) != 1 || got[0] != "--stdio" {
		t.Errorf("Args = %v", got)
	}
}

func TestLoadServerFile_Wrapped(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.json", `{"mcpServers": {"fs": {"command": "mcp-fs"}}}`)

	servers, err := LoadServerFile(path)
	if err != nil {
		t.Fatalf("LoadServerFile error: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "fs" || servers[0].Command != "mcp-fs" {
		t.Errorf("servers = %+v", servers)
	}
}

func TestLoadServerFile_RejectsURLServers(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.json", `{"remote": {"url": "http://example.com/mcp"}}`)

	if _, err := LoadServerFile(path); err == nil {
		t.Fatal("expected error for URL-only server")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level changed to %v", a.Value)
	}
}
