package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolbridge/internal/config"
)

const (
	defaultShutdownGrace = 5 * time.Second

	// exitDrainTimeout is how long the reader may keep draining stdout
	// after the subprocess exits. A grandchild that inherited the pipe
	// would otherwise keep it open forever.
	exitDrainTimeout = 250 * time.Millisecond

	maxLoggedLine = 512
)

// StdioConfig configures a subprocess tool server.
type StdioConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	Command string
	Args    []string

	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string

	// Dir is the working directory; empty inherits ours.
	Dir string

	// ShutdownGrace is how long Close waits after closing stdin before
	// killing the process. Defaults to 5s.
	ShutdownGrace time.Duration

	Logger *slog.Logger
}

// StdioTransport talks to a tool server over its stdin and stdout.
// Requests may be issued concurrently; a single reader goroutine
// routes each response to its caller by id.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	started bool
	closing bool
	readErr error // set before done is closed

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done   chan struct{} // reader finished
	exited chan struct{} // process reaped
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewStdioTransport returns an unstarted transport. Call Connect to
// spawn the process.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (t *StdioTransport) connErr(op string, err error) *ConnectionError {
	return &ConnectionError{Server: t.config.Name, Op: op, Err: err}
}

// Connect starts the subprocess. The process outlives ctx; only Close
// stops it.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return t.connErr("start", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return t.connErr("start", ErrClosed)
	}
	if t.started {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.connErr("start", fmt.Errorf("stdin pipe: %w", err))
	}

	// Own the pipes instead of using StdoutPipe so that cmd.Wait in the
	// waiter goroutine never races the reader.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return t.connErr("start", fmt.Errorf("stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return t.connErr("start", fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	t.logger.Info("starting MCP server",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return t.connErr("start", fmt.Errorf("start %s: %w", t.config.Command, err))
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = outR
	t.stderr = errR
	t.started = true

	t.wg.Add(3)
	go t.readLoop()
	go t.drainStderr()
	go t.waitProcess()

	t.logger.Info("MCP server started", "pid", cmd.Process.Pid)
	return nil
}

// Send writes a request and waits for the matching response.
func (t *StdioTransport) Send(ctx context.Context, method string, params any) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	switch {
	case !t.started:
		t.mu.Unlock()
		return nil, t.connErr(method, errors.New("not connected"))
	case t.readErr != nil:
		err := t.readErr
		t.mu.Unlock()
		return nil, err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(NewRequest(id, method, params)); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return t.checkResponse(method, resp)
	case <-t.done:
		// A response may have been routed just before the reader quit.
		select {
		case resp := <-ch:
			return t.checkResponse(method, resp)
		default:
		}
		return nil, t.readErr
	case <-ctx.Done():
		t.forget(id)
		t.cancelRemote(id, ctx.Err())
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (t *StdioTransport) checkResponse(method string, resp *Response) (*Response, error) {
	if resp.Error == nil && resp.Result == nil {
		return nil, &ProtocolError{
			Server: t.config.Name,
			Method: method,
			Detail: "response carries neither result nor error",
		}
	}
	return resp, nil
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// cancelRemote tells the server we gave up on id. Best effort: a slow
// or wedged server must not block the caller that cancelled.
func (t *StdioTransport) cancelRemote(id int64, reason error) {
	t.mu.Lock()
	if t.closing || t.readErr != nil {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := t.write(NewNotification("notifications/cancelled", map[string]any{
			"requestId": id,
			"reason":    reason.Error(),
		}))
		if err != nil {
			t.logger.Debug("cancel notification not delivered", "id", id, "error", err)
		}
	}()
}

// Notify writes a notification.
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return t.connErr(method, errors.New("not connected"))
	}
	return t.write(NewNotification(method, params))
}

// write encodes v as one line on stdin. writeMu keeps frames whole when
// several goroutines write at once.
func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdinClosed {
		return t.connErr("write", ErrClosed)
	}
	t.logger.Log(context.Background(), config.LevelTrace, "MCP frame sent", "frame", string(bytes.TrimSpace(data)))
	if _, err := t.stdin.Write(data); err != nil {
		return t.connErr("write", err)
	}
	return nil
}

// readLoop is the only consumer of stdout. When it returns, every
// pending and future request fails with the recorded ConnectionError.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()

	br := bufio.NewReaderSize(t.stdout, 1<<20)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			t.handleLine(trimmed)
		}
		if err != nil {
			t.finish(err)
			return
		}
	}
}

func (t *StdioTransport) finish(err error) {
	t.mu.Lock()
	if t.closing {
		err = ErrClosed
	} else if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		err = errors.New("server closed its output")
	}
	t.readErr = t.connErr("read", err)
	abandoned := len(t.pending)
	t.pending = make(map[int64]chan *Response)
	t.mu.Unlock()

	close(t.done)

	if abandoned > 0 {
		t.logger.Warn("MCP server connection lost with requests in flight",
			"pending", abandoned,
			"error", err,
		)
	}
}

func (t *StdioTransport) handleLine(line []byte) {
	t.logger.Log(context.Background(), config.LevelTrace, "MCP frame received", "frame", string(line))

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP server", "line", truncate(line))
		return
	}

	switch msg.kind() {
	case frameResponse:
		t.route(&msg)
	case frameServerRequest:
		t.answerServer(&msg)
	case frameNotification:
		t.handleNotification(&msg)
	default:
		t.logger.Warn("ignoring invalid JSON-RPC frame from MCP server", "line", truncate(line))
	}
}

func (t *StdioTransport) route(msg *inbound) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		t.logger.Debug("dropping response with foreign id", "id", string(msg.ID))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if !ok {
		// Late reply to a cancelled request, or a server bug.
		t.logger.Debug("dropping response for unknown request", "id", id)
		return
	}
	ch <- &Response{
		JSONRPC: msg.JSONRPC,
		ID:      id,
		Result:  msg.Result,
		Error:   msg.Error,
	}
}

// answerServer replies to requests the server sends us. We advertise no
// client capabilities, so only ping is supported.
func (t *StdioTransport) answerServer(msg *inbound) {
	reply := serverReply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == "ping" {
		reply.Result = struct{}{}
	} else {
		reply.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not supported by client: " + msg.Method}
	}

	// Replying from the reader goroutine could deadlock against a
	// server that is itself blocked writing to us.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.write(reply); err != nil {
			t.logger.Debug("reply to server request failed", "method", msg.Method, "error", err)
		}
	}()
}

func (t *StdioTransport) handleNotification(msg *inbound) {
	switch msg.Method {
	case "notifications/tools/list_changed":
		t.logger.Info("MCP server reported tool list change; catalog is fixed for this session")
	case "notifications/message":
		t.logger.Debug("MCP server log", "params", string(msg.Params))
	default:
		t.logger.Debug("MCP notification", "method", msg.Method)
	}
}

func (t *StdioTransport) drainStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		t.logger.Debug("MCP server stderr", "line", scanner.Text())
	}
}

func (t *StdioTransport) waitProcess() {
	defer t.wg.Done()

	err := t.cmd.Wait()
	close(t.exited)

	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if closing {
		t.logger.Debug("MCP server exited", "error", err)
	} else {
		t.logger.Warn("MCP server exited unexpectedly", "error", err)
	}

	select {
	case <-t.done:
	case <-time.After(exitDrainTimeout):
		t.stdout.Close()
		t.stderr.Close()
	}
}

// Close shuts the server down: stdin is closed so a well-behaved server
// exits on EOF, and after ShutdownGrace the process is killed.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(t.shutdown)
	return nil
}

func (t *StdioTransport) shutdown() {
	t.mu.Lock()
	t.closing = true
	started := t.started
	t.mu.Unlock()

	if !started {
		return
	}

	t.writeMu.Lock()
	t.stdinClosed = true
	t.stdin.Close()
	t.writeMu.Unlock()

	timer := time.NewTimer(t.config.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-t.exited:
	case <-timer.C:
		t.logger.Warn("MCP server did not exit after stdin closed, killing",
			"pid", t.cmd.Process.Pid,
			"grace", t.config.ShutdownGrace,
		)
		_ = t.cmd.Process.Kill()
		<-t.exited
	}

	t.stdout.Close()
	t.stderr.Close()
	t.wg.Wait()
	t.logger.Info("MCP server stopped")
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedLine {
		return string(b)
	}
	return string(b[:maxLoggedLine]) + "..."
}
