package mcprobe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// TCPClient talks to an MCP server over a raw TCP socket, framing each
// protocol message as one newline-delimited JSON object, the same encoding
// StdioClient uses over process pipes.
//
// A TCPClient must be created with NewTCPClient. Connect dials the server;
// Disconnect closes the socket, which also unblocks the read loop against an
// unresponsive peer.
type TCPClient struct {
	host string
	port int

	logger      *slog.Logger
	callTimeout time.Duration
	dialTimeout time.Duration

	roots     *rootSet
	observers *observerRegistry
	pending   *pendingCalls

	mu          sync.Mutex
	connected   bool
	initialized bool
	conn        net.Conn

	// writeMu serializes wire writes so concurrent callers never interleave
	// partial messages.
	writeMu sync.Mutex
}

// TCPOption configures a TCPClient.
type TCPOption func(*TCPClient)

// WithTCPLogger sets the logger for the client.
func WithTCPLogger(logger *slog.Logger) TCPOption {
	return func(c *TCPClient) {
		c.logger = logger
	}
}

// WithTCPCallTimeout sets how long a single request waits for its response.
func WithTCPCallTimeout(timeout time.Duration) TCPOption {
	return func(c *TCPClient) {
		c.callTimeout = timeout
	}
}

// WithTCPDialTimeout bounds how long Connect waits for the socket to open.
func WithTCPDialTimeout(timeout time.Duration) TCPOption {
	return func(c *TCPClient) {
		c.dialTimeout = timeout
	}
}

// WithTCPRoots seeds the client's root set before connecting.
func WithTCPRoots(roots []Root) TCPOption {
	return func(c *TCPClient) {
		c.roots.replace(roots)
	}
}

// NewTCPClient creates a client that will dial host:port on Connect.
func NewTCPClient(host string, port int, options ...TCPOption) *TCPClient {
	c := &TCPClient{
		host:        host,
		port:        port,
		logger:      slog.Default(),
		callTimeout: defaultCallTimeout,
		dialTimeout: 10 * time.Second,
		roots:       &rootSet{},
		observers:   newObserverRegistry(),
		pending:     newPendingCalls(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect dials the server socket and starts the read loop. It fails with
// ErrAlreadyConnected when a socket is already open for this client.
// No protocol handshake is performed; call Initialize next.
func (c *TCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	// Dial outside the lock so Connected and Disconnect callers are not
	// held up waiting for a slow dial.
	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return clientErr("connect", fmt.Errorf("failed to dial %s: %w", addr, err))
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	// Each connection gets its own call table, and the reader captures it,
	// so a reader outliving its connection can only ever fail its own calls.
	pending := newPendingCalls()
	c.pending = pending
	c.conn = conn
	c.connected = true
	c.initialized = false
	c.mu.Unlock()

	go c.readLoop(conn, pending)

	return nil
}

// Initialize performs the protocol handshake and returns the negotiated
// server identity. It fails with ErrNotConnected before Connect.
func (c *TCPClient) Initialize(ctx context.Context) (ServerInfo, error) {
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
func (c *TCPClient) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, MethodPing, nil); err != nil {
		return clientErr("ping", err)
	}
	return nil
}

// ListTools retrieves the server's tool catalog. A server that does not
// support tools yields an empty list, not an error.
func (c *TCPClient) ListTools(ctx context.Context) ([]Tool, error) {
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
func (c *TCPClient) ListResources(ctx context.Context) ([]Resource, error) {
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
func (c *TCPClient) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
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
func (c *TCPClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
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
func (c *TCPClient) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
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
func (c *TCPClient) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
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
func (c *TCPClient) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
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

// Disconnect closes the socket. Calling it while already disconnected is a
// no-op. Teardown failures are logged, never returned.
func (c *TCPClient) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.initialized = false
	conn := c.conn
	pending := c.pending
	c.conn = nil
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.Error("failed to close connection", "err", err)
	}
	pending.closeAll()
	return nil
}

// Connected reports whether the socket is open as last observed.
func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Roots returns the current root set.
func (c *TCPClient) Roots() []Root {
	return c.roots.list()
}

// AddRoot appends a root and notifies the server when initialized.
func (c *TCPClient) AddRoot(root Root) {
	c.roots.add(root)
	c.notifyRootsChanged()
}

// RemoveRoot removes the root with the given uri, reporting whether it was
// present, and notifies the server when initialized.
func (c *TCPClient) RemoveRoot(uri string) bool {
	removed := c.roots.remove(uri)
	if removed {
		c.notifyRootsChanged()
	}
	return removed
}

// SetRoots replaces the whole root set and notifies the server when
// initialized.
func (c *TCPClient) SetRoots(roots []Root) {
	c.roots.replace(roots)
	c.notifyRootsChanged()
}

// OnNotification registers a handler for pushes with the given method name.
// The method NotificationAll registers a fallback for unclaimed methods.
func (c *TCPClient) OnNotification(method string, handler NotificationHandler) {
	c.observers.onNotification(method, handler)
}

// OnInteraction registers a handler invoked for every raw wire exchange.
func (c *TCPClient) OnInteraction(handler InteractionHandler) {
	c.observers.onInteraction(handler)
}

func (c *TCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

func (c *TCPClient) notify(method string, params any) error {
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

func (c *TCPClient) send(msg JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	_, err = conn.Write(append(bs, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.observers.dispatchInteraction(DirectionSent, string(bs))
	return nil
}

func (c *TCPClient) readLoop(conn net.Conn, pending *pendingCalls) {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Error("failed to read message", "err", err)
			}

			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
				c.initialized = false
			}
			c.mu.Unlock()

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

func (c *TCPClient) handleLine(line string, pending *pendingCalls) {
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

func (c *TCPClient) handleServerRequest(msg JSONRPCMessage) {
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

func (c *TCPClient) respond(id RequestID, result json.RawMessage, rpcErr *RPCError) {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: result, Error: rpcErr}
	if err := c.send(msg); err != nil {
		c.logger.Error("failed to respond to server request", "id", string(id), "err", err)
	}
}

func (c *TCPClient) notifyRootsChanged() {
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
