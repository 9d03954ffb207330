package mcprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// HTTPClient talks to an MCP server over streamable HTTP. Every protocol
// call is one POST to the endpoint URL; the server answers either with a
// single application/json body or with a text/event-stream that the client
// scans until the event carrying the matching response arrives. Notification
// events observed while scanning are dispatched to the notification registry.
//
// The Mcp-Session-Id response header, once seen, is replayed on every
// subsequent request. A server closing a stream mid-call fails that call
// only; the client stays connected until Disconnect.
type HTTPClient struct {
	url     string
	headers map[string]string

	httpClient  *http.Client
	logger      *slog.Logger
	callTimeout time.Duration

	roots     *rootSet
	observers *observerRegistry

	mu          sync.Mutex
	connected   bool
	initialized bool
	sessionID   string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPLogger sets the logger for the client.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// WithHTTPCallTimeout sets how long a single request waits for its response,
// including the time spent scanning an event stream for it.
func WithHTTPCallTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.callTimeout = timeout
	}
}

// WithHTTPHTTPClient sets a custom underlying HTTP client, for transport
// tuning or test servers.
func WithHTTPHTTPClient(httpClient *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = httpClient
	}
}

// WithHTTPRoots seeds the client's root set before connecting.
func WithHTTPRoots(roots []Root) HTTPOption {
	return func(c *HTTPClient) {
		c.roots.replace(roots)
	}
}

// NewHTTPClient creates a client for the MCP endpoint at url. The headers
// map is sent with every request; per-request protocol headers override
// same-named entries.
func NewHTTPClient(url string, headers map[string]string, options ...HTTPOption) *HTTPClient {
	hs := make(map[string]string, len(headers))
	for k, v := range headers {
		hs[k] = v
	}
	c := &HTTPClient{
		url:         url,
		headers:     hs,
		logger:      slog.Default(),
		callTimeout: defaultCallTimeout,
		roots:       &rootSet{},
		observers:   newObserverRegistry(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// Connect marks the endpoint ready for requests. No request is sent; the
// handshake belongs to Initialize. It fails with ErrAlreadyConnected when
// called twice without an intervening Disconnect.
func (c *HTTPClient) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrAlreadyConnected
	}
	c.connected = true
	c.initialized = false
	c.sessionID = ""
	return nil
}

// Initialize performs the protocol handshake and returns the negotiated
// server identity. It fails with ErrNotConnected before Connect.
func (c *HTTPClient) Initialize(ctx context.Context) (ServerInfo, error) {
	raw, err := c.call(ctx, MethodInitialize, initializeRequestParams())
	if err != nil {
		return ServerInfo{}, clientErr("initialize", err)
	}
	info, err := parseInitializeResult(raw)
	if err != nil {
		return ServerInfo{}, clientErr("initialize", err)
	}
	if err := c.notify(ctx, NotificationInitialized, nil); err != nil {
		return ServerInfo{}, clientErr("initialize", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return info, nil
}

// Ping performs a protocol liveness round-trip.
func (c *HTTPClient) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, MethodPing, nil); err != nil {
		return clientErr("ping", err)
	}
	return nil
}

// ListTools retrieves the server's tool catalog. A server that does not
// support tools yields an empty list, not an error.
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
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
func (c *HTTPClient) ListResources(ctx context.Context) ([]Resource, error) {
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
func (c *HTTPClient) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
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
func (c *HTTPClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
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
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
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
func (c *HTTPClient) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
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
func (c *HTTPClient) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
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

// Disconnect drops the session and releases idle transport connections.
// Calling it while already disconnected is a no-op.
func (c *HTTPClient) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.initialized = false
	c.sessionID = ""
	c.mu.Unlock()

	c.httpClient.CloseIdleConnections()
	return nil
}

// Connected reports whether the endpoint is marked ready.
func (c *HTTPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Roots returns the current root set.
func (c *HTTPClient) Roots() []Root {
	return c.roots.list()
}

// AddRoot appends a root and notifies the server when initialized.
func (c *HTTPClient) AddRoot(root Root) {
	c.roots.add(root)
	c.notifyRootsChanged()
}

// RemoveRoot removes the root with the given uri, reporting whether it was
// present, and notifies the server when initialized.
func (c *HTTPClient) RemoveRoot(uri string) bool {
	removed := c.roots.remove(uri)
	if removed {
		c.notifyRootsChanged()
	}
	return removed
}

// SetRoots replaces the whole root set and notifies the server when
// initialized.
func (c *HTTPClient) SetRoots(roots []Root) {
	c.roots.replace(roots)
	c.notifyRootsChanged()
}

// OnNotification registers a handler for pushes with the given method name.
// The method NotificationAll registers a fallback for unclaimed methods.
func (c *HTTPClient) OnNotification(method string, handler NotificationHandler) {
	c.observers.onNotification(method, handler)
}

// OnInteraction registers a handler invoked for every raw wire exchange.
func (c *HTTPClient) OnInteraction(handler InteractionHandler) {
	c.observers.onInteraction(handler)
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	connected := c.connected
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

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	res, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	contentType := res.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		c.observers.dispatchInteraction(DirectionReceived, string(body))

		var out JSONRPCMessage
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if out.Error != nil {
			return nil, out.Error
		}
		return out.Result, nil
	case strings.HasPrefix(contentType, "text/event-stream"):
		return c.scanStream(res.Body, msg.ID)
	default:
		return nil, fmt.Errorf("unexpected content type: %q", contentType)
	}
}

// scanStream reads SSE events off a call's response body until the response
// matching id arrives. Notifications seen on the way dispatch immediately;
// server-initiated requests are answered through separate POSTs.
func (c *HTTPClient) scanStream(body io.Reader, id RequestID) (json.RawMessage, error) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return nil, fmt.Errorf("stream closed before response: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			c.logger.Error("unhandled event type", "type", ev.Type)
			continue
		}

		c.observers.dispatchInteraction(DirectionReceived, ev.Data)

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			c.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		switch {
		case msg.Method != "" && msg.ID == "":
			c.observers.dispatchNotification(msg.Method, msg.Params)
		case msg.Method != "":
			c.handleServerRequest(msg)
		case msg.ID == id:
			if msg.Error != nil {
				return nil, msg.Error
			}
			return msg.Result, nil
		default:
			c.logger.Warn("received response with no waiting call", "id", string(msg.ID))
		}
	}
	return nil, errors.New("stream ended before response")
}

func (c *HTTPClient) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return c.sendOneWay(ctx, msg)
}

// sendOneWay posts a message that expects no protocol response, draining
// whatever acknowledgement body the server returns.
func (c *HTTPClient) sendOneWay(ctx context.Context, msg JSONRPCMessage) error {
	res, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Default headers first, protocol headers second, so per-request
	// protocol entries override same-named defaults.
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.Unlock()

	// Record the outbound interaction at transmission time, not once the
	// response has arrived.
	c.observers.dispatchInteraction(DirectionSent, string(bs))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if sid := res.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	return res, nil
}

func (c *HTTPClient) handleServerRequest(msg JSONRPCMessage) {
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

func (c *HTTPClient) respond(id RequestID, result json.RawMessage, rpcErr *RPCError) {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: result, Error: rpcErr}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sendOneWay(ctx, msg); err != nil {
		c.logger.Error("failed to respond to server request", "id", string(id), "err", err)
	}
}

func (c *HTTPClient) notifyRootsChanged() {
	c.mu.Lock()
	ready := c.connected && c.initialized
	c.mu.Unlock()
	if !ready {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.notify(ctx, NotificationRootsListChanged, nil); err != nil {
		c.logger.Error("failed to notify roots list changed", "err", err)
	}
}
