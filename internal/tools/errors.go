package tools

import "fmt"

// SchemaError means a server's tool catalog cannot be loaded at all: a
// tool without a name, or two tools that would be exposed under the
// same name. The whole load fails.
type SchemaError struct {
	Server string
	Tool   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("tool catalog from %s: %s", e.Server, e.Reason)
	}
	return fmt.Sprintf("tool catalog from %s: tool %q: %s", e.Server, e.Tool, e.Reason)
}

// UnknownToolError is returned by Resolve for a name that is not in the
// registry, or whose server is not selected. In a conversation it
// becomes an error result rather than ending the query.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ArgumentError means the model's arguments do not satisfy the tool's
// input schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// UnsupportedSchemaError means an input schema uses a construct that
// cannot be expressed to the model. The tool is left out of the catalog.
type UnsupportedSchemaError struct {
	Tool   string
	Path   string // JSON pointer into the schema, "" for the root
	Reason string
}

func (e *UnsupportedSchemaError) Error() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("tool %q: unsupported input schema at %s: %s", e.Tool, path, e.Reason)
}
