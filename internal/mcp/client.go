package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/toolbridge/internal/buildinfo"
)

// ProtocolVersion is the MCP revision advertised in initialize.
const ProtocolVersion = "2025-06-18"

// maxListPages stops a server whose tools/list cursor never ends.
const maxListPages = 100

// Tool is one entry of a tools/list result. InputSchema is kept raw;
// the tools package parses and translates it.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	URI      string           `json:"uri,omitempty"`
	Name     string           `json:"name,omitempty"`
	Resource *EmbeddedContent `json:"resource,omitempty"`
}

// EmbeddedContent is the payload of a "resource" content block.
type EmbeddedContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ToolResult is the flattened outcome of a tools/call. IsError is the
// server saying the tool itself failed; the call still succeeded at the
// protocol level.
type ToolResult struct {
	Text    string
	IsError bool
}

// ServerInfo identifies the server, as reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
	Instructions    string          `json:"instructions,omitempty"`
}

type toolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type callToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Client speaks MCP to a single tool server.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	mu           sync.RWMutex
	serverInfo   ServerInfo
	instructions string
	tools        []Tool
}

// NewClient wraps transport. name is the configured server name, used
// for logging and tool namespacing.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// ServerInfo returns what the server reported about itself.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Instructions returns the server's optional usage instructions.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// Connect starts the transport and performs the initialize handshake.
// Any failure closes the transport and returns a *ConnectionError.
// Bound the handshake with a ctx deadline.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	if err := c.initialize(ctx); err != nil {
		c.transport.Close()
		return &ConnectionError{Server: c.name, Op: "initialize", Err: err}
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.Name,
			"version": buildinfo.Version,
		},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &ProtocolError{Server: c.name, Method: "initialize", Detail: "malformed result", Err: err}
	}
	if result.ProtocolVersion == "" {
		return &ProtocolError{Server: c.name, Method: "initialize", Detail: "no protocolVersion in result"}
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.instructions = result.Instructions
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Debug("MCP server negotiated a different protocol version",
			"requested", ProtocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools returns the server's tool catalog, following pagination.
// The first successful result is cached for the life of the client.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	all := []Tool{}
	var cursor string
	for page := 0; ; page++ {
		if page >= maxListPages {
			return nil, &ProtocolError{Server: c.name, Method: "tools/list", Detail: "pagination did not terminate"}
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &ProtocolError{Server: c.name, Method: "tools/list", Detail: "malformed result", Err: err}
		}
		all = append(all, result.Tools...)

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by its server-side name. A tool that ran and
// failed comes back as a result with IsError set, not as an error; an
// error means the request itself was rejected (*RPCError) or the
// connection broke.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}

	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Server: c.name, Method: "tools/call", Detail: "malformed result", Err: err}
	}

	text := renderContent(result.Content)
	if text == "" && len(result.StructuredContent) > 0 {
		text = string(result.StructuredContent)
	}
	return &ToolResult{Text: text, IsError: result.IsError}, nil
}

// Ping checks that the server still answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	resp, err := c.transport.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// renderContent flattens content blocks to text for the model. Binary
// blocks become short markers.
func renderContent(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s %s]", b.Type, b.MimeType))
		case "resource":
			if b.Resource != nil && b.Resource.Text != "" {
				parts = append(parts, b.Resource.Text)
			} else if b.Resource != nil {
				parts = append(parts, fmt.Sprintf("[resource %s]", b.Resource.URI))
			} else {
				parts = append(parts, "[resource]")
			}
		case "resource_link":
			parts = append(parts, fmt.Sprintf("[resource_link %s]", b.URI))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
