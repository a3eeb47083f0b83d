package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/toolbridge/internal/agent"
	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/session"
)

// runChat starts a session and reads queries from stdin until EOF,
// "quit", or a tool server failure.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	b, err := openBridge(ctx, stderr, opts, slog.LevelWarn, "chat")
	if err != nil {
		return err
	}
	defer b.Close()

	r := newREPL(b.session, stdout, b.cfg.Agent.KeepThinking)
	return r.run(ctx, stdin)
}

type replStyles struct {
	prompt    lipgloss.Style
	assistant lipgloss.Style
	call      lipgloss.Style
	result    lipgloss.Style
	failure   lipgloss.Style
	info      lipgloss.Style
}

// newReplStyles renders for w: plain text unless w is a color terminal.
func newReplStyles(w io.Writer) replStyles {
	r := lipgloss.NewRenderer(w)
	return replStyles{
		prompt:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: r.NewStyle().Foreground(lipgloss.Color("10")),
		call:      r.NewStyle().Foreground(lipgloss.Color("13")),
		result:    r.NewStyle().Faint(true),
		failure:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		info:      r.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
	}
}

type repl struct {
	sess         *session.Session
	out          io.Writer
	keepThinking bool
	st           replStyles
}

func newREPL(sess *session.Session, out io.Writer, keepThinking bool) *repl {
	return &repl{
		sess:         sess,
		out:          out,
		keepThinking: keepThinking,
		st:           newReplStyles(out),
	}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	servers := r.sess.Servers()
	fmt.Fprintln(r.out, r.st.info.Render(fmt.Sprintf(
		"Model %s with %d tools from %d servers. Type help for commands.",
		r.sess.Model(), len(r.sess.Tools()), len(servers))))

	for {
		fmt.Fprint(r.out, r.st.prompt.Render("you>")+" ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok = <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
		}

		quit, err := r.handle(ctx, strings.TrimSpace(line))
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// handle runs one input line. It reports quit for "quit" and returns an
// error only when the session can no longer be used.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "help":
		r.help()
	case "clear":
		r.sess.Reset()
		fmt.Fprintln(r.out, r.st.info.Render("Conversation cleared."))
	case "servers":
		writeServers(r.out, r.sess.Servers())
	case "tools":
		writeTools(r.out, r.sess.Tools())
	case "history":
		if t := r.sess.Conversation().Transcript(); t != "" {
			fmt.Fprintln(r.out, t)
		} else {
			fmt.Fprintln(r.out, r.st.info.Render("No messages yet."))
		}
	case "server":
		r.selectServers(rest)
	default:
		return r.ask(ctx, line)
	}
	return false, nil
}

func (r *repl) help() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  servers              List tool servers")
	fmt.Fprintln(r.out, "  tools                List the tools offered to the model")
	fmt.Fprintln(r.out, "  server <a,b> | all   Offer only the tools of the named servers")
	fmt.Fprintln(r.out, "  history              Show the conversation so far")
	fmt.Fprintln(r.out, "  clear                Start a new conversation")
	fmt.Fprintln(r.out, "  quit                 Exit")
	fmt.Fprintln(r.out, "Anything else is sent to the model.")
}

// selectServers handles "server a,b" and "server all".
func (r *repl) selectServers(arg string) {
	names := strings.FieldsFunc(arg, func(c rune) bool { return c == ',' || c == ' ' })
	if len(names) == 0 {
		fmt.Fprintln(r.out, r.st.failure.Render("usage: server <name>[,<name>...] | all"))
		return
	}
	if len(names) == 1 && (names[0] == "all" || names[0] == "*") {
		names = nil
	}
	if err := r.sess.Select(names...); err != nil {
		fmt.Fprintln(r.out, r.st.failure.Render(err.Error()))
		return
	}
	writeServers(r.out, r.sess.Servers())
}

// ask sends a query and prints tool activity as it happens.
func (r *repl) ask(ctx context.Context, query string) (bool, error) {
	res, err := r.sess.AskFunc(ctx, query, r.showTurn)
	if err != nil {
		if errors.Is(err, session.ErrClosed) || r.sess.Closed() {
			return true, fmt.Errorf("session ended: %w", err)
		}
		if ctx.Err() != nil {
			return true, nil
		}
		fmt.Fprintln(r.out, r.st.failure.Render("error: "+err.Error()))
		return false, nil
	}

	reply := res.Content
	if !r.keepThinking {
		reply = llm.StripThinking(reply)
	}
	fmt.Fprintln(r.out, r.st.assistant.Render(reply))
	return false, nil
}

// showTurn prints the tool calls of an assistant turn and the result of
// each tool turn. Final replies are printed by ask.
func (r *repl) showTurn(t agent.Turn) {
	switch t.Role {
	case agent.RoleAssistant:
		for _, c := range t.ToolCalls {
			args, _ := json.Marshal(c.Arguments)
			fmt.Fprintln(r.out, r.st.call.Render(fmt.Sprintf("  -> %s(%s)", c.Name, args)))
		}
	case agent.RoleTool:
		if t.Result == nil {
			return
		}
		mark := "<-"
		if t.Result.IsError {
			mark = "!!"
		}
		fmt.Fprintln(r.out, r.st.result.Render(fmt.Sprintf("  %s %s: %s", mark, t.Result.Name, firstLine(t.Result.Content, 100))))
	}
}
