package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/toolbridge/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func helperConfig(t *testing.T, mode string, env ...string) StdioConfig {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return StdioConfig{
		Name:          mode,
		Command:       exe,
		Args:          []string{"-test.run=^$"},
		Env:           append([]string{helperEnv + "=" + mode}, env...),
		ShutdownGrace: 2 * time.Second,
		Logger:        discardLogger(),
	}
}

func startHelper(t *testing.T, mode string, env ...string) *StdioTransport {
	t.Helper()
	tr := NewStdioTransport(helperConfig(t, mode, env...))
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func resultMap(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &m))
	return m
}

func TestStdioTransport_Echo(t *testing.T) {
	tr := startHelper(t, "scripted")

	resp, err := tr.Send(context.Background(), "echo", map[string]any{"value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resultMap(t, resp)["value"])
}

func TestStdioTransport_FramesLoggedAtTrace(t *testing.T) {
	for _, tt := range []struct {
		level slog.Level
		want  bool
	}{
		{config.LevelTrace, true},
		{slog.LevelDebug, false},
	} {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf syncBuffer
			cfg := helperConfig(t, "scripted")
			cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level}))
			tr := NewStdioTransport(cfg)
			require.NoError(t, tr.Connect(context.Background()))

			_, err := tr.Send(context.Background(), "echo", map[string]any{"value": "hi"})
			require.NoError(t, err)
			tr.Close()

			out := buf.String()
			assert.Equal(t, tt.want, strings.Contains(out, "MCP frame sent"), out)
			assert.Equal(t, tt.want, strings.Contains(out, "MCP frame received"), out)
		})
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStdioTransport_OutOfOrderResponses(t *testing.T) {
	tr := startHelper(t, "scripted")

	const n = 5
	results := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), "hold", map[string]any{"batch": n, "value": float64(i)})
			if err != nil {
				errs[i] = err
				return
			}
			var m map[string]any
			errs[i] = json.Unmarshal(resp.Result, &m)
			results[i] = m["value"]
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i], "request %d", i)
		assert.Equal(t, float64(i), results[i], "request %d got another caller's response", i)
	}
}

func TestStdioTransport_ExitWhilePending(t *testing.T) {
	tr := startHelper(t, "scripted")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := tr.Send(ctx, "exit", nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "read", connErr.Op)
	assert.Less(t, time.Since(start), 5*time.Second)

	// Later requests fail the same way without blocking.
	_, err = tr.Send(context.Background(), "echo", nil)
	require.ErrorAs(t, err, &connErr)
}

func TestStdioTransport_AllPendingFailOnExit(t *testing.T) {
	tr := startHelper(t, "scripted")

	const waiters = 3
	errs := make(chan error, waiters)
	for range waiters {
		go func() {
			_, err := tr.Send(context.Background(), "never", nil)
			errs <- err
		}()
	}
	// Give the never requests time to be written before the exit.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pending) == waiters
	}, 5*time.Second, 10*time.Millisecond)

	_, err := tr.Send(context.Background(), "exit", nil)
	require.True(t, IsFatal(err), "exit request error = %v", err)

	for range waiters {
		select {
		case err := <-errs:
			var connErr *ConnectionError
			assert.ErrorAs(t, err, &connErr)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request not failed after server exit")
		}
	}
}

func TestStdioTransport_CancelKeepsServerRunning(t *testing.T) {
	tr := startHelper(t, "scripted")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, "never", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFatal(err))

	resp, err := tr.Send(context.Background(), "echo", map[string]any{"value": "still here"})
	require.NoError(t, err)
	assert.Equal(t, "still here", resultMap(t, resp)["value"])

	// The server was told about the abandoned request (id 1).
	require.Eventually(t, func() bool {
		resp, err := tr.Send(context.Background(), "cancelled", nil)
		if err != nil {
			return false
		}
		ids, _ := resultMap(t, resp)["ids"].([]any)
		return len(ids) == 1 && ids[0] == float64(1)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStdioTransport_EmptyResponseIsProtocolError(t *testing.T) {
	tr := startHelper(t, "scripted")

	_, err := tr.Send(context.Background(), "empty", nil)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "empty", protoErr.Method)
}

func TestStdioTransport_NoiseAndServerRequests(t *testing.T) {
	tr := startHelper(t, "scripted")

	resp, err := tr.Send(context.Background(), "chatty", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resultMap(t, resp)["ok"])

	// The server's ping was answered.
	require.Eventually(t, func() bool {
		resp, err := tr.Send(context.Background(), "pongs", nil)
		return err == nil && resultMap(t, resp)["count"] == float64(1)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStdioTransport_RPCErrorPassesThrough(t *testing.T) {
	tr := startHelper(t, "scripted")

	resp, err := tr.Send(context.Background(), "no/such/method", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestStdioTransport_ClosePendingRequests(t *testing.T) {
	tr := startHelper(t, "scripted")

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), "never", nil)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())

	err := <-errc
	require.ErrorIs(t, err, ErrClosed)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)

	// Idempotent.
	require.NoError(t, tr.Close())
}

func TestStdioTransport_CloseKillsStubbornServer(t *testing.T) {
	cfg := helperConfig(t, "scripted", helperIgnoreEOF+"=1")
	cfg.ShutdownGrace = 100 * time.Millisecond
	tr := NewStdioTransport(cfg)
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Send(context.Background(), "echo", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not kill a server that ignores stdin EOF")
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{
		Name:    "missing",
		Command: "/nonexistent/toolbridge-test-server",
		Logger:  discardLogger(),
	})
	err := tr.Connect(context.Background())

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "start", connErr.Op)
	require.NoError(t, tr.Close())
}

func TestStdioTransport_SendBeforeConnect(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Name: "idle", Command: "true", Logger: discardLogger()})
	_, err := tr.Send(context.Background(), "ping", nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestClient_AgainstSDKServer(t *testing.T) {
	tr := NewStdioTransport(helperConfig(t, "demo"))
	client := NewClient("demo", tr, discardLogger())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	assert.Equal(t, "toolbridge-demo", client.ServerInfo().Name)
	require.NoError(t, client.Ping(ctx))

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"pow", "lookup", "fail", "sleep"} {
		assert.True(t, names[want], "tool %q not listed", want)
	}

	res, err := client.CallTool(ctx, "pow", map[string]any{"a": 2, "b": 10})
	require.NoError(t, err)
	assert.Equal(t, "1024", res.Text)
	assert.False(t, res.IsError)

	res, err = client.CallTool(ctx, "fail", map[string]any{"message": "nope"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "nope", res.Text)

	// Several concurrent calls share one subprocess.
	var wg sync.WaitGroup
	texts := make([]string, 4)
	for i := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := client.CallTool(ctx, "echo", map[string]any{"text": fmt.Sprint(i)})
			if err == nil {
				texts[i] = r.Text
			}
		}()
	}
	wg.Wait()
	for i, got := range texts {
		assert.Equal(t, fmt.Sprint(i), got)
	}

	require.NoError(t, client.Close())
	_, err = client.CallTool(context.Background(), "pow", map[string]any{"a": 1, "b": 1})
	assert.True(t, errors.Is(err, ErrClosed), "call after close = %v", err)
}
