package mcprobe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// StdioClient talks to an MCP server spawned as a child process, framing each
// protocol message as one newline-delimited JSON object over the process's
// standard input and output. Standard error is tailed into the log.
//
// A StdioClient must be created with NewStdioClient. Connect spawns the
// process; Disconnect closes its stdin, waits a bounded grace period for it
// to exit, and kills it if it does not.
type StdioClient struct {
	command string
	args    []string
	env     map[string]string

	logger       *slog.Logger
	callTimeout  time.Duration
	shutdownWait time.Duration

	roots     *rootSet
	observers *observerRegistry
	pending   *pendingCalls

	mu          sync.Mutex
	connected   bool
	initialized bool
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	exited      chan struct{}

	// writeMu serializes wire writes so concurrent callers never interleave
	// partial messages.
	writeMu sync.Mutex

	stderr tailBuffer
}

// StdioOption configures a StdioClient.
type StdioOption func(*StdioClient)

// WithStdioLogger sets the logger for the client.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(c *StdioClient) {
		c.logger = logger
	}
}

// WithStdioCallTimeout sets how long a single request waits for its response.
func WithStdioCallTimeout(timeout time.Duration) StdioOption {
	return func(c *StdioClient) {
		c.callTimeout = timeout
	}
}

// WithStdioRoots seeds the client's root set before connecting.
func WithStdioRoots(roots []Root) StdioOption {
	return func(c *StdioClient) {
		c.roots.replace(roots)
	}
}

// NewStdioClient creates a client that will spawn command with args and the
// given extra environment on Connect. The process environment is inherited
// and the entries in env are appended over it.
func NewStdioClient(command string, args []string, env map[string]string, options ...StdioOption) *StdioClient {
	c := &StdioClient{
		command:      command,
		args:         args,
		env:          env,
		logger:       slog.Default(),
		callTimeout:  defaultCallTimeout,
		shutdownWait: 500 * time.Millisecond,
		roots:        &rootSet{},
		observers:    newObserverRegistry(),
		pending:      newPendingCalls(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect spawns the server process and starts the read loop. It fails with
// ErrAlreadyConnected when a process is already running for this client.
// No protocol handshake is performed; call Initialize next.
func (c *StdioClient) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrAlreadyConnected
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = mergeEnv(os.Environ(), c.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return clientErr("connect", fmt.Errorf("failed to open stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return clientErr("connect", fmt.Errorf("failed to open stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return clientErr("connect", fmt.Errorf("failed to open stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return clientErr("connect", fmt.Errorf("failed to start %s: %w", c.command, err))
	}

	// Each connection gets its own call table, and the reader and exit
	// watcher capture it, so goroutines from a torn-down connection can
	// only ever fail their own calls.
	pending := newPendingCalls()
	exited := make(chan struct{})
	c.pending = pending
	c.cmd = cmd
	c.stdin = stdin
	c.exited = exited
	c.connected = true
	c.initialized = false

	go c.tailStderr(stderr)
	go c.readLoop(stdout, pending)
	go c.watchExit(cmd, exited, pending)

	return nil
}

// Initialize performs the protocol handshake and returns the negotiated
// server identity. It fails with ErrNotConnected before Connect.
func (c *StdioClient) Initialize(ctx context.Context) (ServerInfo, error) {
	raw, err := c.call(ctx, MethodInitialize, initializeRequestParams())
	if err != nil {
		return ServerInfo{}, clientErr("initialize", err)
	}
	info, err := parseInitializeResult(raw)
	if err != nil {
		return ServerInfo{}, clientErr("initialize", err)
	}
	if err := c.notify(NotificationInitialized, nil); err != nil {
		return ServerInfo{}, clientErr("initialize", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return info, nil
}

// Ping performs a protocol liveness round-trip.
func (c *StdioClient) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, MethodPing, nil); err != nil {
		return clientErr("ping", err)
	}
	return nil
}

// ListTools retrieves the server's tool catalog. A server that does not
// support tools yields an empty list, not an error.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, MethodToolsList, nil)
	if err != nil {
		if capabilityAbsent(err) {
			return []Tool{}, nil
		}
		return nil, clientErr("list tools", err)
	}
	var res ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, clientErr("list tools", err)
	}
	return res.Tools, nil
}

// ListResources retrieves the server's resource catalog. A server that does
// not support resources yields an empty list, not an error.
func (c *StdioClient) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.call(ctx, MethodResourcesList, nil)
	if err != nil {
		if capabilityAbsent(err) {
			return []Resource{}, nil
		}
		return nil, clientErr("list resources", err)
	}
	var res ListResourcesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, clientErr("list resources", err)
	}
	return res.Resources, nil
}

// ListResourceTemplates retrieves the server's resource templates. A server
// that does not support them yields an empty list, not an error.
func (c *StdioClient) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	raw, err := c.call(ctx, MethodResourcesTemplatesList, nil)
	if err != nil {
		if capabilityAbsent(err) {
			return []ResourceTemplate{}, nil
		}
		return nil, clientErr("list resource templates", err)
	}
	var res ListResourceTemplatesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, clientErr("list resource templates", err)
	}
	return res.Templates, nil
}

// ListPrompts retrieves the server's prompt catalog. A server that does not
// support prompts yields an empty list, not an error.
func (c *StdioClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.call(ctx, MethodPromptsList, nil)
	if err != nil {
		if capabilityAbsent(err) {
			return []Prompt{}, nil
		}
		return nil, clientErr("list prompts", err)
	}
	var res ListPromptsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, clientErr("list prompts", err)
	}
	return res.Prompts, nil
}

// CallTool executes the named tool. Server-side failures are never
// swallowed; the returned error names the tool.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	raw, err := c.call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallToolResult{}, clientErr(fmt.Sprintf("call tool %q", name), err)
	}
	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return CallToolResult{}, clientErr(fmt.Sprintf("call tool %q", name), err)
	}
	return res, nil
}

// ReadResource reads the resource at uri.
func (c *StdioClient) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	raw, err := c.call(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, clientErr(fmt.Sprintf("read resource %q", uri), err)
	}
	var res ReadResourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ReadResourceResult{}, clientErr(fmt.Sprintf("read resource %q", uri), err)
	}
	return res, nil
}

// GetPrompt retrieves the named prompt rendered with args.
func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	raw, err := c.call(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, clientErr(fmt.Sprintf("get prompt %q", name), err)
	}
	var res GetPromptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return GetPromptResult{}, clientErr(fmt.Sprintf("get prompt %q", name), err)
	}
	return res, nil
}

// Disconnect closes the server's stdin, waits a bounded grace period for the
// process to exit, and kills it if it does not. Calling it while already
// disconnected is a no-op. Teardown failures are logged, never returned.
func (c *StdioClient) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.initialized = false
	cmd := c.cmd
	stdin := c.stdin
	exited := c.exited
	pending := c.pending
	c.cmd = nil
	c.stdin = nil
	c.mu.Unlock()

	if err := stdin.Close(); err != nil {
		c.logger.Error("failed to close stdin", "command", c.command, "err", err)
	}

	select {
	case <-exited:
	case <-time.After(c.shutdownWait):
		c.logger.Warn("process did not exit in time, killing", "command", c.command)
		if err := cmd.Process.Kill(); err != nil {
			c.logger.Error("failed to kill process", "command", c.command, "err", err)
		}
		select {
		case <-exited:
		case <-time.After(c.shutdownWait):
			c.logger.Error("process did not exit after kill", "command", c.command)
		}
	}

	pending.closeAll()
	return nil
}

// Connected reports whether the server process is running as last observed.
func (c *StdioClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Roots returns the current root set.
func (c *StdioClient) Roots() []Root {
	return c.roots.list()
}

// AddRoot appends a root and notifies the server when initialized.
func (c *StdioClient) AddRoot(root Root) {
	c.roots.add(root)
	c.notifyRootsChanged()
}

// RemoveRoot removes the root with the given uri, reporting whether it was
// present, and notifies the server when initialized.
func (c *StdioClient) RemoveRoot(uri string) bool {
	removed := c.roots.remove(uri)
	if removed {
		c.notifyRootsChanged()
	}
	return removed
}

// SetRoots replaces the whole root set and notifies the server when
// initialized.
func (c *StdioClient) SetRoots(roots []Root) {
	c.roots.replace(roots)
	c.notifyRootsChanged()
}

// OnNotification registers a handler for pushes with the given method name.
// The method NotificationAll registers a fallback for unclaimed methods.
func (c *StdioClient) OnNotification(method string, handler NotificationHandler) {
	c.observers.onNotification(method, handler)
}

// OnInteraction registers a handler invoked for every raw wire exchange.
func (c *StdioClient) OnInteraction(handler InteractionHandler) {
	c.observers.onInteraction(handler)
}

func (c *StdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	connected := c.connected
	pending := c.pending
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: newRequestID(), Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	ch := pending.register(msg.ID)
	defer pending.drop(msg.ID)

	if err := c.send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errRequestTimeout
	}
}

func (c *StdioClient) notify(method string, params any) error {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return c.send(msg)
}

func (c *StdioClient) send(msg JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	stdin := c.stdin
	connected := c.connected
	c.mu.Unlock()
	if !connected || stdin == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	_, err = stdin.Write(append(bs, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.observers.dispatchInteraction(DirectionSent, string(bs))
	return nil
}

func (c *StdioClient) readLoop(r io.Reader, pending *pendingCalls) {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.logger.Error("failed to read message", "command", c.command, "err", err)
			}
			pending.closeAll()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		c.handleLine(line, pending)
	}
}

func (c *StdioClient) handleLine(line string, pending *pendingCalls) {
	c.observers.dispatchInteraction(DirectionReceived, line)

	var msg JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "err", err)
		return
	}

	switch {
	case msg.Method != "" && msg.ID == "":
		c.observers.dispatchNotification(msg.Method, msg.Params)
	case msg.Method != "":
		c.handleServerRequest(msg)
	default:
		if !pending.deliver(msg) {
			c.logger.Warn("received response with no waiting call", "id", string(msg.ID))
		}
	}
}

func (c *StdioClient) handleServerRequest(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodPing:
		c.respond(msg.ID, json.RawMessage("{}"), nil)
	case MethodRootsList:
		result, err := json.Marshal(c.roots.listResult())
		if err != nil {
			c.respond(msg.ID, nil, &RPCError{Code: jsonRPCInternalErrorCode, Message: "failed to marshal roots"})
			return
		}
		c.respond(msg.ID, result, nil)
	default:
		c.respond(msg.ID, nil, &RPCError{Code: jsonRPCMethodNotFoundCode, Message: "method not found"})
	}
}

func (c *StdioClient) respond(id RequestID, result json.RawMessage, rpcErr *RPCError) {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: result, Error: rpcErr}
	if err := c.send(msg); err != nil {
		c.logger.Error("failed to respond to server request", "id", string(id), "err", err)
	}
}

func (c *StdioClient) notifyRootsChanged() {
	c.mu.Lock()
	ready := c.connected && c.initialized
	c.mu.Unlock()
	if !ready {
		return
	}
	if err := c.notify(NotificationRootsListChanged, nil); err != nil {
		c.logger.Error("failed to notify roots list changed", "err", err)
	}
}

func (c *StdioClient) tailStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.stderr.append(line)
		c.logger.Debug("server stderr", "command", c.command, "line", line)
	}
}

func (c *StdioClient) watchExit(cmd *exec.Cmd, exited chan struct{}, pending *pendingCalls) {
	err := cmd.Wait()

	c.mu.Lock()
	current := c.cmd == cmd
	if current {
		c.connected = false
		c.initialized = false
	}
	c.mu.Unlock()

	if err != nil && current {
		c.logger.Error("server process exited unexpectedly",
			"command", c.command, "err", err, "stderr", c.stderr.snapshot())
	}
	pending.closeAll()
	close(exited)
}

// mergeEnv appends the extra entries over the base environment.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := append([]string(nil), base...)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// tailBuffer keeps the last few stderr lines from the server process so an
// unexpected exit can be logged with context.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
}

const tailBufferLimit = 8

func (t *tailBuffer) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > tailBufferLimit {
		t.lines = t.lines[len(t.lines)-tailBufferLimit:]
	}
}

func (t *tailBuffer) snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
