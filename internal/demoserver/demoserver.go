// Package demoserver is a small MCP tool server used for demos and for
// end-to-end tests of the bridge. It speaks MCP through the official Go
// SDK, so the bridge is exercised against an independent implementation
// of the protocol.
package demoserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/toolbridge/internal/buildinfo"
)

// Options configures the demo server.
type Options struct {
	// PrompterName is what prompter_name reports. Defaults to "Ryan".
	PrompterName string

	// Facts backs the lookup tool. Defaults to DefaultFacts.
	Facts map[string]string

	Logger *slog.Logger
}

// DefaultFacts is the lookup table used when Options.Facts is nil.
var DefaultFacts = map[string]string{
	"x":                 "y",
	"capital_of_france": "Paris",
	"answer":            "42",
}

// New builds the server with every demo tool registered.
func New(opts Options) *mcp.Server {
	if opts.PrompterName == "" {
		opts.PrompterName = "Ryan"
	}
	if opts.Facts == nil {
		opts.Facts = DefaultFacts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    buildinfo.Name + "-demo",
		Version: buildinfo.Version,
	}, nil)

	d := &demo{opts: opts}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_random",
		Description: "Gets a random number between 0 and 1.",
	}, d.getRandom)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "pow",
		Description: "Raises a to the power b.",
	}, d.pow)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "random_number",
		Description: "Returns a random integer between min and max, inclusive.",
	}, d.randomNumber)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "prompter_name",
		Description: "Returns the name of the person running this server.",
	}, d.prompterName)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Returns the given text unchanged.",
	}, d.echo)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sleep",
		Description: "Waits for the given number of milliseconds, then reports how long it slept.",
	}, d.sleep)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "fail",
		Description: "Always fails with the given message.",
	}, d.fail)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ip_interfaces",
		Description: "Lists network interfaces and their addresses on the server host.",
	}, d.ipInterfaces)

	// lookup is registered with a hand-written schema: the nullable
	// namespace property is the shape many Python servers emit.
	server.AddTool(&mcp.Tool{
		Name:        "lookup",
		Description: "Looks up the value stored under a key.",
		InputSchema: json.RawMessage(lookupSchema),
	}, d.lookup)

	return server
}

// Run serves the demo tools on stdin and stdout until ctx is done or
// the client disconnects.
func Run(ctx context.Context, opts Options) error {
	return New(opts).Run(ctx, &mcp.StdioTransport{})
}

const lookupSchema = `{
  "type": "object",
  "properties": {
    "key": {"type": "string", "description": "Key to look up"},
    "namespace": {
      "anyOf": [{"type": "string"}, {"type": "null"}],
      "default": null,
      "description": "Optional namespace, ignored by this server"
    }
  },
  "required": ["key"]
}`

type demo struct {
	opts Options
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	r := text(fmt.Sprintf(format, args...))
	r.IsError = true
	return r
}

type noArgs struct{}

func (d *demo) getRandom(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return text(strconv.FormatFloat(rand.Float64(), 'f', -1, 64)), nil, nil
}

type powArgs struct {
	A float64 `json:"a" jsonschema:"the base"`
	B float64 `json:"b" jsonschema:"the exponent"`
}

func (d *demo) pow(_ context.Context, _ *mcp.CallToolRequest, in powArgs) (*mcp.CallToolResult, any, error) {
	v := math.Pow(in.A, in.B)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return toolError("pow(%g, %g) is not a finite number", in.A, in.B), nil, nil
	}
	return text(strconv.FormatFloat(v, 'g', -1, 64)), nil, nil
}

type randomNumberArgs struct {
	Min int `json:"min" jsonschema:"lower bound"`
	Max int `json:"max" jsonschema:"upper bound, at least min"`
}

func (d *demo) randomNumber(_ context.Context, _ *mcp.CallToolRequest, in randomNumberArgs) (*mcp.CallToolResult, any, error) {
	if in.Max < in.Min {
		return toolError("max (%d) is less than min (%d)", in.Max, in.Min), nil, nil
	}
	span := in.Max - in.Min
	if span < 0 || span == math.MaxInt {
		return toolError("range %d to %d is too wide", in.Min, in.Max), nil, nil
	}
	return text(strconv.Itoa(in.Min + rand.IntN(span+1))), nil, nil
}

func (d *demo) prompterName(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return text("My name is " + d.opts.PrompterName), nil, nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"text to return"`
}

func (d *demo) echo(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
	return text(in.Text), nil, nil
}

type sleepArgs struct {
	Milliseconds int `json:"milliseconds" jsonschema:"how long to sleep"`
}

func (d *demo) sleep(ctx context.Context, _ *mcp.CallToolRequest, in sleepArgs) (*mcp.CallToolResult, any, error) {
	timer := time.NewTimer(time.Duration(in.Milliseconds) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-timer.C:
	}
	return text(fmt.Sprintf("slept %dms", in.Milliseconds)), nil, nil
}

type failArgs struct {
	Message string `json:"message" jsonschema:"error message to report"`
}

func (d *demo) fail(_ context.Context, _ *mcp.CallToolRequest, in failArgs) (*mcp.CallToolResult, any, error) {
	msg := in.Message
	if msg == "" {
		msg = "failed as requested"
	}
	return toolError("%s", msg), nil, nil
}

func (d *demo) ipInterfaces(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return toolError("list interfaces: %v", err), nil, nil
	}

	var lines []string
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				lines = append(lines, iface.Name+": "+ipnet.IP.String())
			}
		}
	}
	sort.Strings(lines)
	return text(strings.Join(lines, "\n")), nil, nil
}

func (d *demo) lookup(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
		return toolError("invalid arguments: %v", err), nil
	}
	if in.Key == "" {
		return toolError("key is required"), nil
	}

	v, ok := d.opts.Facts[in.Key]
	if !ok {
		d.opts.Logger.Debug("lookup miss", "key", in.Key)
		return toolError("no value stored for key %q", in.Key), nil
	}
	return text(v), nil
}
