package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/tools"
	"github.com/nugget/toolbridge/internal/usage"
)

// askOutput is the JSON form of an ask reply.
type askOutput struct {
	Response       string `json:"response"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
	ModelCalls     int    `json:"model_calls"`
	ToolCalls      int    `json:"tool_calls"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
}

// runAsk answers one question in a fresh session and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	b, err := openBridge(ctx, stderr, opts, slog.LevelWarn, "ask")
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := b.session.Ask(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	reply := res.Content
	if !b.cfg.Agent.KeepThinking {
		reply = llm.StripThinking(reply)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askOutput{
			Response:       reply,
			Model:          res.Model,
			ConversationID: b.session.Conversation().ID,
			ModelCalls:     res.ModelCalls,
			ToolCalls:      res.ToolCalls,
			InputTokens:    res.InputTokens,
			OutputTokens:   res.OutputTokens,
		})
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// toolsOutput is the JSON form of the tools listing.
type toolsOutput struct {
	Servers  []tools.ServerStatus `json:"servers"`
	Tools    []*tools.Descriptor  `json:"tools"`
	Warnings []string             `json:"warnings,omitempty"`
}

// runTools starts the configured servers and lists the tools the model
// would be offered, with any schema translation warnings.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	b, err := openBridge(ctx, stderr, opts, slog.LevelWarn, "cli")
	if err != nil {
		return err
	}
	defer b.Close()

	out := toolsOutput{
		Servers: b.session.Servers(),
		Tools:   b.session.Tools(),
	}
	for _, w := range b.session.Warnings() {
		out.Warnings = append(out.Warnings, w.String())
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	writeTools(stdout, out.Tools)
	for _, w := range out.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	return nil
}

// writeTools prints one line per tool: name, server, first line of the
// description.
func writeTools(w io.Writer, descs []*tools.Descriptor) {
	if len(descs) == 0 {
		fmt.Fprintln(w, "No tools available.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Server, firstLine(d.Description, 70))
	}
	tw.Flush()
}

// writeServers prints one line per server with its selection state.
func writeServers(w io.Writer, servers []tools.ServerStatus) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No tool servers configured.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTOOLS\tSELECTED")
	for _, s := range servers {
		sel := "no"
		if s.Selected {
			sel = "yes"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.Tools, sel)
	}
	tw.Flush()
}

func firstLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// usageOutput is the JSON form of the usage report.
type usageOutput struct {
	Since    time.Time                 `json:"since"`
	Until    time.Time                 `json:"until"`
	Total    *usage.Summary            `json:"total"`
	ByModel  map[string]*usage.Summary `json:"by_model"`
	BySource map[string]*usage.Summary `json:"by_source"`
}

// runUsage reports the usage ledger for the window starting at since.
// It does not start any tool servers.
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, since string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return errors.New("usage: no data_dir configured, nothing is recorded")
	}
	store, err := openUsageStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	until := time.Now()
	start, err := usage.ParseSince(since, until)
	if err != nil {
		return err
	}
	// Records are stored with second precision.
	end := until.Add(time.Second)

	out := usageOutput{Since: start, Until: until}
	if out.Total, err = store.Summary(ctx, start, end); err != nil {
		return fmt.Errorf("usage summary: %w", err)
	}
	if out.ByModel, err = store.SummaryByModel(ctx, start, end); err != nil {
		return fmt.Errorf("usage summary: %w", err)
	}
	if out.BySource, err = store.SummaryBySource(ctx, start, end); err != nil {
		return fmt.Errorf("usage summary: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(stdout, "Usage since %s\n\n", start.Local().Format(time.DateTime))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "MODEL\tCALLS\tINPUT\tOUTPUT\tCOST (USD)\t")
	for _, model := range slices.Sorted(maps.Keys(out.ByModel)) {
		writeSummaryRow(tw, model, out.ByModel[model])
	}
	writeSummaryRow(tw, "total", out.Total)
	tw.Flush()

	if len(out.BySource) > 0 {
		fmt.Fprintln(stdout)
		tw = tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "SOURCE\tCALLS\tINPUT\tOUTPUT\tCOST (USD)\t")
		for _, src := range slices.Sorted(maps.Keys(out.BySource)) {
			writeSummaryRow(tw, src, out.BySource[src])
		}
		tw.Flush()
	}
	return nil
}

func writeSummaryRow(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.4f\t\n", label, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
}
