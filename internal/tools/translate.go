package tools

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/toolbridge/internal/llm"
)

// maxSchemaDepth bounds property nesting and $ref chains. Recursive
// definitions stop here.
const maxSchemaDepth = 8

// Warning records something the translator changed or dropped. The tool
// is still offered to the model unless the warning says it was excluded.
type Warning struct {
	Tool    string `json:"tool"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Path == "" {
		return fmt.Sprintf("%s: %s", w.Tool, w.Message)
	}
	return fmt.Sprintf("%s %s: %s", w.Tool, w.Path, w.Message)
}

// Translate converts a tool's JSON Schema into the function declaration
// format models accept. It is total: every schema either translates,
// possibly with warnings for constructs that were simplified or dropped,
// or yields *UnsupportedSchemaError.
//
// Mapped: type, description, enum (and const), items, nested properties,
// required. Validation keywords are left out of the declaration; they are
// still checked when arguments are validated.
func Translate(name, description string, schema *jsonschema.Schema) (llm.Tool, []Warning, error) {
	t := &translator{tool: name, root: schema}
	params, err := t.parameters()
	if err != nil {
		return llm.Tool{}, t.warnings, err
	}
	if description == "" && schema != nil {
		description = schema.Description
	}
	return llm.NewTool(name, description, params), t.warnings, nil
}

type translator struct {
	tool     string
	root     *jsonschema.Schema
	warnings []Warning
}

func (t *translator) warn(path, format string, args ...any) {
	t.warnings = append(t.warnings, Warning{Tool: t.tool, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (t *translator) unsupported(path, format string, args ...any) error {
	return &UnsupportedSchemaError{Tool: t.tool, Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (t *translator) parameters() (llm.Parameters, error) {
	if t.root == nil {
		return llm.Parameters{}, nil
	}

	root, err := t.deref(t.root, "")
	if err != nil {
		return llm.Parameters{}, err
	}
	if len(root.AnyOf) > 0 || len(root.OneOf) > 0 || len(root.AllOf) > 0 || root.Not != nil || root.If != nil {
		return llm.Parameters{}, t.unsupported("", "composition at the root")
	}

	typ, err := t.singleType(root, "")
	if err != nil {
		return llm.Parameters{}, err
	}
	if typ != "" && typ != "object" {
		return llm.Parameters{}, t.unsupported("", "root type is %q, not object", typ)
	}

	props, required, err := t.properties(root, "", 0)
	if err != nil {
		return llm.Parameters{}, err
	}
	return llm.Parameters{Type: "object", Properties: props, Required: required}, nil
}

// properties translates s.Properties. An optional property that cannot
// be translated is dropped with a warning; a required one fails the
// whole object.
func (t *translator) properties(s *jsonschema.Schema, path string, depth int) (map[string]*llm.Property, []string, error) {
	out := make(map[string]*llm.Property, len(s.Properties))

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		ppath := path + "/properties/" + escapePointer(name)
		p, err := t.property(s.Properties[name], ppath, depth+1)
		if err != nil {
			if slices.Contains(s.Required, name) {
				return nil, nil, err
			}
			t.warn(ppath, "optional property dropped: %v", reason(err))
			continue
		}
		out[name] = p
	}

	var required []string
	if len(s.Required) > 0 {
		required = slices.Clone(s.Required)
	}
	return out, required, nil
}

func (t *translator) property(s *jsonschema.Schema, path string, depth int) (*llm.Property, error) {
	if depth > maxSchemaDepth {
		return nil, t.unsupported(path, "nested deeper than %d levels", maxSchemaDepth)
	}
	if s == nil {
		return &llm.Property{}, nil
	}

	s, err := t.deref(s, path)
	if err != nil {
		return nil, err
	}

	if s.Not != nil || s.If != nil {
		return nil, t.unsupported(path, "not/if conditions")
	}

	switch len(s.AllOf) {
	case 0:
	case 1:
		return t.property(withDescription(s.AllOf[0], s.Description), path+"/allOf/0", depth)
	default:
		return nil, t.unsupported(path, "allOf with %d branches", len(s.AllOf))
	}

	if branches, kw := unionOf(s); branches != nil {
		inner, ok := nullableBranch(branches)
		if !ok {
			return nil, t.unsupported(path, "%s with %d branches", kw, len(branches))
		}
		t.warn(path, "nullable %s collapsed to its non-null branch", kw)
		return t.property(withDescription(inner, s.Description), path, depth)
	}

	typ, err := t.singleType(s, path)
	if err != nil {
		return nil, err
	}

	p := &llm.Property{Type: typ, Description: s.Description}
	switch {
	case len(s.Enum) > 0:
		p.Enum = slices.Clone(s.Enum)
	case s.Const != nil:
		p.Enum = []any{*s.Const}
	}

	switch typ {
	case "array":
		if s.Items != nil {
			items, err := t.property(s.Items, path+"/items", depth+1)
			if err != nil {
				t.warn(path+"/items", "item schema dropped: %v", reason(err))
			} else {
				p.Items = items
			}
		}
	case "object":
		if len(s.Properties) > 0 {
			props, required, err := t.properties(s, path, depth)
			if err != nil {
				return nil, err
			}
			p.Properties = props
			p.Required = required
		}
	}
	return p, nil
}

// singleType returns the one non-null type of s, or "" when s is
// untyped. ["X", "null"] collapses to X with a warning.
func (t *translator) singleType(s *jsonschema.Schema, path string) (string, error) {
	types := s.Types
	if s.Type != "" {
		types = []string{s.Type}
	}

	var nonNull []string
	for _, typ := range types {
		if typ != "null" {
			nonNull = append(nonNull, typ)
		}
	}

	switch {
	case len(types) == 0:
		return "", nil
	case len(nonNull) == 0:
		return "", t.unsupported(path, "type is only null")
	case len(nonNull) > 1:
		return "", t.unsupported(path, "multiple types %v", nonNull)
	}
	if len(nonNull) < len(types) {
		t.warn(path, "nullable type collapsed to %q", nonNull[0])
	}
	return nonNull[0], nil
}

// deref follows local $ref pointers into $defs or definitions. A
// description on the referring schema wins over the target's.
func (t *translator) deref(s *jsonschema.Schema, path string) (*jsonschema.Schema, error) {
	for hops := 0; s.Ref != ""; hops++ {
		if hops >= maxSchemaDepth {
			return nil, t.unsupported(path, "$ref chain longer than %d", maxSchemaDepth)
		}
		target, err := t.lookup(s.Ref)
		if err != nil {
			return nil, t.unsupported(path, "%v", err)
		}
		s = withDescription(target, s.Description)
	}
	return s, nil
}

func (t *translator) lookup(ref string) (*jsonschema.Schema, error) {
	var defs map[string]*jsonschema.Schema
	var key string
	switch {
	case strings.HasPrefix(ref, "#/$defs/"):
		defs, key = t.root.Defs, strings.TrimPrefix(ref, "#/$defs/")
	case strings.HasPrefix(ref, "#/definitions/"):
		defs, key = t.root.Definitions, strings.TrimPrefix(ref, "#/definitions/")
	case ref == "#":
		return nil, fmt.Errorf("recursive reference to the root")
	default:
		return nil, fmt.Errorf("non-local $ref %q", ref)
	}

	key = unescapePointer(key)
	target, ok := defs[key]
	if !ok || target == nil {
		return nil, fmt.Errorf("unresolvable $ref %q", ref)
	}
	return target, nil
}

// unionOf returns the anyOf or oneOf branches of s, if any.
func unionOf(s *jsonschema.Schema) ([]*jsonschema.Schema, string) {
	switch {
	case len(s.AnyOf) > 0:
		return s.AnyOf, "anyOf"
	case len(s.OneOf) > 0:
		return s.OneOf, "oneOf"
	}
	return nil, ""
}

// nullableBranch reports whether branches is exactly one schema plus
// {"type": "null"}, and returns the non-null one.
func nullableBranch(branches []*jsonschema.Schema) (*jsonschema.Schema, bool) {
	if len(branches) != 2 {
		return nil, false
	}
	isNull := func(b *jsonschema.Schema) bool {
		return b != nil && (b.Type == "null" || slices.Equal(b.Types, []string{"null"}))
	}
	switch {
	case isNull(branches[0]) && !isNull(branches[1]) && branches[1] != nil:
		return branches[1], true
	case isNull(branches[1]) && !isNull(branches[0]) && branches[0] != nil:
		return branches[0], true
	}
	return nil, false
}

// withDescription returns s, or a shallow copy of it carrying desc when
// desc is set and s has none. A nil s is an untyped schema.
func withDescription(s *jsonschema.Schema, desc string) *jsonschema.Schema {
	if s == nil {
		if desc == "" {
			return nil
		}
		return &jsonschema.Schema{Description: desc}
	}
	if desc == "" || s.Description != "" {
		return s
	}
	cp := *s
	cp.Description = desc
	return &cp
}

func reason(err error) string {
	if u, ok := err.(*UnsupportedSchemaError); ok {
		return u.Reason
	}
	return err.Error()
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}

func unescapePointer(s string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(s)
}
