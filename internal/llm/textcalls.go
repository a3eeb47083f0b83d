package llm

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

// textCall is the shape models use when they print a call as JSON.
type textCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

func (c textCall) toolCall() ToolCall {
	args := c.Arguments
	if args == nil {
		args = c.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	var tc ToolCall
	tc.Function.Name = c.Name
	tc.Function.Arguments = args
	return tc
}

var nameThenJSON = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_.-]*)\s*(\{.*)$`)

// parseTextToolCalls recovers tool calls that a model wrote into its
// text reply instead of the native tool_calls field. Accepted forms:
//
//	{"name": "...", "arguments": {...}}
//	[{"name": "...", "arguments": {...}}, ...]
//	<tool_call>{...}</tool_call>
//	{...}{...}           (concatenated objects)
//	tool_name {...}     (trailing prose ignored)
//
// Only calls naming one of validTools are returned, so prose that happens
// to contain JSON is left alone.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" || len(validTools) == 0 {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		inner := content[start+len("<tool_call>"):]
		if end := strings.Index(inner, "</tool_call>"); end != -1 {
			inner = inner[:end]
		}
		content = strings.TrimSpace(inner)
	}

	var found []textCall

	var arr []textCall
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		found = arr
	} else if m := nameThenJSON.FindStringSubmatch(content); m != nil {
		var args map[string]any
		if json.NewDecoder(strings.NewReader(m[2])).Decode(&args) == nil {
			found = []textCall{{Name: m[1], Arguments: args}}
		}
	} else if strings.HasPrefix(content, "{") {
		found = decodeObjectStream(content)
	}

	var out []ToolCall
	for _, c := range found {
		if c.Name == "" || !slices.Contains(validTools, c.Name) {
			continue
		}
		out = append(out, c.toolCall())
	}
	return out
}

// decodeObjectStream decodes one or more JSON objects written back to
// back. Decoding stops at the first thing that is not an object.
func decodeObjectStream(content string) []textCall {
	dec := json.NewDecoder(strings.NewReader(content))
	var out []textCall
	for {
		var c textCall
		if err := dec.Decode(&c); err != nil {
			return out
		}
		out = append(out, c)
	}
}
