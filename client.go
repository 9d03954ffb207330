package mcprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Version is the release version this client reports to servers during the
// initialize handshake.
const Version = "0.1.0"

// NotificationAll registers a notification handler as the fallback for every
// method no method-specific handler is registered for. It lets a single
// handler observe pushes the client does not know about, such as vendor
// extensions.
const NotificationAll = "*"

// defaultCallTimeout bounds how long a single request waits for its response
// before failing. List operations treat the resulting timeout as a missing
// capability; everything else surfaces it as an ordinary failure.
const defaultCallTimeout = 30 * time.Second

// Client is the transport-agnostic contract for talking to an MCP server.
// It is implemented by StdioClient, TCPClient and HTTPClient; each owns its
// full connect/send/receive/close logic independently, so consumers stay
// transport-ignorant.
//
// The listing operations share a tolerant failure policy: when the server
// lacks the capability, reports method-not-found, or the call times out, they
// return an empty slice instead of an error. CallTool, ReadResource and
// GetPrompt never swallow failures; a failed explicit action is actionable to
// the caller.
//
// Root accessors are usable before Connect. Observer registration is
// additive; there is no unregister.
type Client interface {
	// Connect establishes the underlying channel. It fails with
	// ErrAlreadyConnected when called twice without an intervening
	// Disconnect. No protocol handshake is performed yet.
	Connect(ctx context.Context) error

	// Initialize performs the protocol handshake (liveness probe plus
	// capability negotiation) and returns the negotiated server identity.
	// It fails with ErrNotConnected before Connect. Each fresh connection
	// requires its own Initialize.
	Initialize(ctx context.Context) (ServerInfo, error)

	// Ping performs a protocol liveness round-trip.
	Ping(ctx context.Context) error

	ListTools(ctx context.Context) ([]Tool, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)

	CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error)

	// Disconnect releases every transport resource. It is an idempotent
	// no-op when already disconnected; teardown failures are logged, never
	// allowed to leave the client in an ambiguous state.
	Disconnect() error

	// Connected reports transport-level liveness as last observed.
	Connected() bool

	Roots() []Root
	AddRoot(root Root)
	RemoveRoot(uri string) bool
	SetRoots(roots []Root)

	// OnNotification registers a handler for pushes with the given method
	// name. The method NotificationAll registers a fallback handler invoked
	// for pushes no method-specific handler claims.
	OnNotification(method string, handler NotificationHandler)

	// OnInteraction registers a handler invoked for every raw wire exchange
	// in both directions.
	OnInteraction(handler InteractionHandler)
}

// Notification is a raw server push as delivered to notification handlers,
// before any classification.
type Notification struct {
	Method string
	Params json.RawMessage
}

// NotificationHandler consumes raw server pushes.
type NotificationHandler func(n Notification)

// Direction tells whether an interaction left or entered this client.
type Direction string

// Direction values for interaction records.
const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Interaction records one raw wire exchange for observability. It is
// forwarded to interaction handlers and never persisted.
type Interaction struct {
	Direction Direction
	Message   string
	Time      time.Time
}

// InteractionHandler consumes interaction records.
type InteractionHandler func(i Interaction)

func newRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func clientInfo() Info {
	return Info{Name: "mcprobe", Version: Version}
}

func clientCapabilities() ClientCapabilities {
	return ClientCapabilities{Roots: &RootsCapability{ListChanged: true}}
}

func initializeRequestParams() initializeParams {
	return initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    clientCapabilities(),
		ClientInfo:      clientInfo(),
	}
}

func parseInitializeResult(raw json.RawMessage) (ServerInfo, error) {
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ServerInfo{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	return ServerInfo{
		Name:            res.ServerInfo.Name,
		Version:         res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
		Capabilities:    res.Capabilities,
	}, nil
}

// rootSet is the ordered set of filesystem roots held by a client. It always
// reflects the set last communicated to, or initialized with, the server.
type rootSet struct {
	mu    sync.Mutex
	roots []Root
}

func (r *rootSet) list() []Root {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Root(nil), r.roots...)
}

func (r *rootSet) add(root Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.roots {
		if existing.URI == root.URI {
			return
		}
	}
	r.roots = append(r.roots, root)
}

func (r *rootSet) remove(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.roots {
		if existing.URI == uri {
			r.roots = append(r.roots[:i], r.roots[i+1:]...)
			return true
		}
	}
	return false
}

func (r *rootSet) replace(roots []Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append([]Root(nil), roots...)
}

func (r *rootSet) listResult() RootList {
	return RootList{Roots: r.list()}
}

// observerRegistry holds the notification and interaction handlers registered
// on a client. Registration is additive. Dispatch is sequential: handlers for
// one connection never observe interleaved deliveries.
type observerRegistry struct {
	mu            sync.Mutex
	notifications map[string][]NotificationHandler
	interactions  []InteractionHandler
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{notifications: make(map[string][]NotificationHandler)}
}

func (o *observerRegistry) onNotification(method string, handler NotificationHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifications[method] = append(o.notifications[method], handler)
}

func (o *observerRegistry) onInteraction(handler InteractionHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interactions = append(o.interactions, handler)
}

// dispatchNotification delivers a push to every handler registered for its
// exact method, falling back to the NotificationAll handlers when no exact
// handler exists.
func (o *observerRegistry) dispatchNotification(method string, params json.RawMessage) {
	o.mu.Lock()
	handlers := append([]NotificationHandler(nil), o.notifications[method]...)
	if len(handlers) == 0 {
		handlers = append(handlers, o.notifications[NotificationAll]...)
	}
	o.mu.Unlock()

	n := Notification{Method: method, Params: params}
	for _, handler := range handlers {
		handler(n)
	}
}

func (o *observerRegistry) dispatchInteraction(dir Direction, message string) {
	o.mu.Lock()
	handlers := append([]InteractionHandler(nil), o.interactions...)
	o.mu.Unlock()

	i := Interaction{Direction: dir, Message: message, Time: time.Now()}
	for _, handler := range handlers {
		handler(i)
	}
}

// pendingCalls routes responses read off the wire back to the goroutines
// waiting on them, keyed by request ID. Each connection gets its own table;
// closeAll is terminal, a new connection allocates a new table.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[RequestID]chan JSONRPCMessage
	closed bool
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[RequestID]chan JSONRPCMessage)}
}

// register returns the channel the response for id will arrive on. The
// channel is closed without a value when the connection goes away first.
func (p *pendingCalls) register(id RequestID) <-chan JSONRPCMessage {
	ch := make(chan JSONRPCMessage, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.calls[id] = ch
	return ch
}

func (p *pendingCalls) drop(id RequestID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// deliver hands a response to its waiter. It reports false for responses
// nobody is waiting for, such as one arriving after the caller timed out.
func (p *pendingCalls) deliver(msg JSONRPCMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.calls[msg.ID]
	if !ok {
		return false
	}
	delete(p.calls, msg.ID)
	ch <- msg
	return true
}

// closeAll fails every in-flight call. Subsequent registers observe a closed
// channel immediately.
func (p *pendingCalls) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}
