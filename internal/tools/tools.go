// Package tools holds the catalog of tools offered to the model. It loads
// tool descriptors from MCP servers, translates their input schemas into
// function declarations, and resolves the names the model calls back to
// the server that owns them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/mcp"
)

// Provider is a source of tools, normally an *mcp.Client.
type Provider interface {
	Name() string
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

// Source is one provider plus how its tools are exposed.
type Source struct {
	Provider Provider

	// Namespace exposes every tool as QualifiedName(server, tool).
	Namespace bool

	// Include and Exclude filter by the server's own tool names.
	Include []string
	Exclude []string
}

// Descriptor is one loaded tool.
type Descriptor struct {
	Name        string          `json:"name"`        // name the model sees
	RemoteName  string          `json:"remote_name"` // name sent in tools/call
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	decl     llm.Tool
	resolved *jsonschema.Resolved
	provider Provider
}

// Declaration is the function declaration sent to the model.
func (d *Descriptor) Declaration() llm.Tool { return d.decl }

// Validates reports whether arguments are checked against the input
// schema before a call.
func (d *Descriptor) Validates() bool { return d.resolved != nil }

// Call invokes the tool on its server.
func (d *Descriptor) Call(ctx context.Context, args map[string]any) (*mcp.ToolResult, error) {
	return d.provider.CallTool(ctx, d.RemoteName, args)
}

// ServerStatus summarizes one server in the registry.
type ServerStatus struct {
	Name     string `json:"name"`
	Tools    int    `json:"tools"`
	Selected bool   `json:"selected"`
}

// Registry is the tool catalog of a session. It is filled once by Load
// and read concurrently afterwards.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	order    []*Descriptor
	byName   map[string]*Descriptor
	servers  []string
	selected map[string]bool // nil means every server
	warnings []Warning
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		byName: make(map[string]*Descriptor),
	}
}

// Load lists the tools of every source, validates and translates them,
// and populates the registry. Names that are empty or collide fail the
// whole load with *SchemaError and leave the registry empty. A tool whose
// schema cannot be translated is left out with a warning. Load may only
// succeed once.
func (r *Registry) Load(ctx context.Context, sources ...Source) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return errors.New("tool registry already loaded")
	}

	var (
		order    []*Descriptor
		byName   = make(map[string]*Descriptor)
		servers  []string
		warnings []Warning
	)

	for _, src := range sources {
		server := src.Provider.Name()
		if slices.Contains(servers, server) {
			return &SchemaError{Server: server, Reason: "server listed twice"}
		}
		servers = append(servers, server)

		listed, err := src.Provider.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("list tools from %s: %w", server, err)
		}

		log := r.logger.With("mcp_server", server)
		f := newFilter(src.Include, src.Exclude)
		seen := make(map[string]bool, len(listed))
		count := 0

		for _, mt := range listed {
			if mt.Name == "" {
				return &SchemaError{Server: server, Reason: "tool without a name"}
			}
			if seen[mt.Name] {
				return &SchemaError{Server: server, Tool: mt.Name, Reason: "duplicate tool name"}
			}
			seen[mt.Name] = true

			if !f.allows(mt.Name) {
				log.Debug("tool filtered out", "tool", mt.Name)
				continue
			}

			name := mt.Name
			if src.Namespace {
				name = QualifiedName(server, mt.Name)
			}
			if prev, ok := byName[name]; ok {
				return &SchemaError{
					Server: server,
					Tool:   mt.Name,
					Reason: fmt.Sprintf("exposed name %q already used by %s", name, prev.Server),
				}
			}

			d, warns, err := buildDescriptor(name, server, mt, src.Provider)
			warnings = append(warnings, warns...)
			for _, w := range warns {
				log.Warn("tool schema simplified", "tool", name, "path", w.Path, "detail", w.Message)
			}
			if err != nil {
				warnings = append(warnings, Warning{Tool: name, Message: "excluded: " + err.Error()})
				log.Warn("tool excluded", "tool", name, "error", err)
				continue
			}

			order = append(order, d)
			byName[name] = d
			count++
			log.Debug("tool loaded", "tool", name, "remote_name", mt.Name, "validates", d.Validates())
		}

		log.Info("tools loaded", "count", count, "listed", len(listed))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return errors.New("tool registry already loaded")
	}
	r.loaded = true
	r.order = order
	r.byName = byName
	r.servers = servers
	r.warnings = warnings
	return nil
}

// buildDescriptor parses and translates one tool. A non-nil error means
// the tool is excluded.
func buildDescriptor(name, server string, mt mcp.Tool, p Provider) (*Descriptor, []Warning, error) {
	d := &Descriptor{
		Name:        name,
		RemoteName:  mt.Name,
		Server:      server,
		Description: mt.Description,
		InputSchema: mt.InputSchema,
		provider:    p,
	}
	if d.Description == "" {
		d.Description = mt.Title
	}

	var schema *jsonschema.Schema
	if len(mt.InputSchema) > 0 && string(mt.InputSchema) != "null" {
		schema = new(jsonschema.Schema)
		if err := json.Unmarshal(mt.InputSchema, schema); err != nil {
			return nil, nil, &UnsupportedSchemaError{Tool: name, Reason: "input schema is not valid JSON Schema: " + err.Error()}
		}
	}

	decl, warns, err := Translate(name, d.Description, schema)
	if err != nil {
		return nil, warns, err
	}
	d.decl = decl

	if schema != nil {
		// Servers often declare an older draft; validation only needs
		// the keywords.
		schema.Schema = ""
		resolved, err := resolveSchema(schema)
		if err != nil {
			warns = append(warns, Warning{Tool: name, Message: "argument validation disabled: " + err.Error()})
		} else {
			d.resolved = resolved
		}
	}
	return d, warns, nil
}

// resolveSchema prepares s for argument validation. Schemas with null
// subschemas can trip the resolver; those come back as errors.
func resolveSchema(s *jsonschema.Schema) (rs *jsonschema.Resolved, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("schema cannot be resolved: %v", p)
		}
	}()
	return s.Resolve(nil)
}

// Resolve finds a tool by the name the model used. Tools of servers that
// are not selected are unknown.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok || !r.isSelected(d.Server) {
		return nil, &UnknownToolError{Name: name}
	}
	return d, nil
}

// Validate checks args against the input schema of the named tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	d, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return d.Validate(args)
}

// Validate checks args against the tool's input schema. Tools whose
// schema could not be resolved accept anything.
func (d *Descriptor) Validate(args map[string]any) error {
	if d.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := d.resolved.Validate(args); err != nil {
		return &ArgumentError{Tool: d.Name, Err: err}
	}
	return nil
}

// Declarations returns the function declarations of every selected tool
// in catalog order.
func (r *Registry) Declarations() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []llm.Tool
	for _, d := range r.order {
		if r.isSelected(d.Server) {
			out = append(out, d.decl)
		}
	}
	return out
}

// Descriptors returns every selected tool in catalog order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, d := range r.order {
		if r.isSelected(d.Server) {
			out = append(out, d)
		}
	}
	return out
}

// Len is the number of selected tools.
func (r *Registry) Len() int {
	return len(r.Descriptors())
}

// Select limits the catalog to the named servers. No names selects every
// server again.
func (r *Registry) Select(servers ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(servers) == 0 {
		r.selected = nil
		return nil
	}
	sel := make(map[string]bool, len(servers))
	for _, s := range servers {
		if !slices.Contains(r.servers, s) {
			return fmt.Errorf("unknown server %q", s)
		}
		sel[s] = true
	}
	r.selected = sel
	return nil
}

// Servers reports every loaded server with its tool count.
func (r *Registry) Servers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerStatus, 0, len(r.servers))
	for _, s := range r.servers {
		n := 0
		for _, d := range r.order {
			if d.Server == s {
				n++
			}
		}
		out = append(out, ServerStatus{Name: s, Tools: n, Selected: r.isSelected(s)})
	}
	return out
}

// Warnings returns translation warnings recorded by Load.
func (r *Registry) Warnings() []Warning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.warnings)
}

func (r *Registry) isSelected(server string) bool {
	return r.selected == nil || r.selected[server]
}
