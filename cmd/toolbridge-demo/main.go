// Toolbridge-demo is an MCP tool server speaking on stdin and stdout,
// for trying out toolbridge without any other server installed:
//
//	mcp:
//	  servers:
//	    - name: demo
//	      command: toolbridge-demo
//	      args: ["-name", "Ada"]
//
// Logs go to stderr; stdout carries the protocol.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/demoserver"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stderr io.Writer, args []string) error {
	var opts demoserver.Options
	level := slog.LevelWarn

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-name" && i+1 < len(args):
			opts.PrompterName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-name="):
			opts.PrompterName = strings.TrimPrefix(args[i], "-name=")
		case args[i] == "-log-level" && i+1 < len(args):
			l, err := config.ParseLogLevel(args[i+1])
			if err != nil {
				return err
			}
			level = l
			i++
		default:
			return fmt.Errorf("unknown argument: %s (usage: toolbridge-demo [-name NAME] [-log-level LEVEL])", args[i])
		}
	}

	opts.Logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	opts.Logger.Info("demo tool server starting", "prompter", opts.PrompterName)

	if err := demoserver.Run(ctx, opts); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
