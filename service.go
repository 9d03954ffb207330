package mcprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// NotificationKind classifies a translated server notification.
type NotificationKind string

const (
	KindToolsChanged     NotificationKind = "tools_list_changed"
	KindResourcesChanged NotificationKind = "resources_list_changed"
	KindPromptsChanged   NotificationKind = "prompts_list_changed"
	KindMessage          NotificationKind = "message"
)

// ServerNotification is a server push translated into a presentable record:
// the raw method classified into a kind plus a human-readable message that
// names the originating server.
type ServerNotification struct {
	ServerName string
	Kind       NotificationKind
	Message    string
	Method     string
	Params     json.RawMessage
	Time       time.Time
}

// StateHandler observes connection state transitions.
type StateHandler func(ServerState)

// ServerNotificationHandler observes translated server notifications.
type ServerNotificationHandler func(ServerNotification)

// ConnectionService manages at most one live server connection and fans its
// events out to registered observers. It owns the connection state machine:
// Disconnected, Connecting, Connected, and Error as the terminal state of a
// failed attempt. Descriptors record their own state, so a caller holding a
// Server always sees where its connection stands.
//
// All methods are safe for concurrent use. Connect and Disconnect serialize
// against each other; catalog and call operations forward to the live client
// and fail with ErrNotConnected otherwise.
type ConnectionService struct {
	logger          *slog.Logger
	defaultRoots    []string
	callTimeout     time.Duration
	disconnectGrace time.Duration

	// connMu serializes Connect and Disconnect so at most one connection
	// attempt or teardown runs at a time.
	connMu sync.Mutex

	mu     sync.Mutex
	client Client
	server *Server

	obsMu                 sync.Mutex
	stateObservers        []StateHandler
	notificationObservers []ServerNotificationHandler
	interactionObservers  []InteractionHandler
}

// ServiceOption configures a ConnectionService.
type ServiceOption func(*ConnectionService)

// WithServiceLogger sets the logger for the service and the clients it
// creates.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *ConnectionService) {
		s.logger = logger
	}
}

// WithDefaultRoots sets the filesystem roots offered to servers whose
// descriptors carry none.
func WithDefaultRoots(roots []string) ServiceOption {
	return func(s *ConnectionService) {
		s.defaultRoots = roots
	}
}

// WithServiceCallTimeout sets the per-request timeout applied to the clients
// the service creates.
func WithServiceCallTimeout(timeout time.Duration) ServiceOption {
	return func(s *ConnectionService) {
		s.callTimeout = timeout
	}
}

// NewConnectionService creates a service with no active connection.
func NewConnectionService(options ...ServiceOption) *ConnectionService {
	s := &ConnectionService{
		logger:          slog.Default(),
		disconnectGrace: 50 * time.Millisecond,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Connected reports whether a client exists and its transport is live.
func (s *ConnectionService) Connected() bool {
	_, ok := s.activeClient()
	return ok
}

// Server returns the descriptor of the current or most recent connection,
// nil before the first Connect.
func (s *ConnectionService) Server() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// ServerInfo returns the identity negotiated on the current connection, nil
// when disconnected or before Initialize completed.
func (s *ConnectionService) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Info
}

// OnStateChange registers an observer for state transitions. Observers
// cannot be unregistered.
func (s *ConnectionService) OnStateChange(handler StateHandler) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.stateObservers = append(s.stateObservers, handler)
}

// OnServerNotification registers an observer for translated server
// notifications.
func (s *ConnectionService) OnServerNotification(handler ServerNotificationHandler) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.notificationObservers = append(s.notificationObservers, handler)
}

// OnInteraction registers an observer for raw wire exchanges.
func (s *ConnectionService) OnInteraction(handler InteractionHandler) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.interactionObservers = append(s.interactionObservers, handler)
}

// Connect establishes a connection to the server the descriptor describes,
// tearing down any previous connection first. On success the descriptor
// carries the negotiated ServerInfo, the connection timestamp, and the
// Connected state. On failure it carries the error string and the Error
// state, and no client remains.
func (s *ConnectionService) Connect(ctx context.Context, server *Server) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.Connected() {
		s.disconnectLocked()
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.broadcastState(StateConnecting)

	client, err := s.buildClient(server)
	if err != nil {
		return s.failConnect(nil, server, err)
	}
	if err := client.Connect(ctx); err != nil {
		return s.failConnect(client, server, err)
	}

	info, err := client.Initialize(ctx)
	if err != nil {
		return s.failConnect(client, server, err)
	}
	server.Info = &info
	server.LastConnected = time.Now()

	for _, method := range []string{
		NotificationToolsListChanged,
		NotificationResourcesListChanged,
		NotificationPromptsListChanged,
		NotificationMessage,
		NotificationAll,
	} {
		client.OnNotification(method, s.handleNotification)
	}
	client.OnInteraction(s.forwardInteraction)

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.broadcastState(StateConnected)
	return nil
}

// Disconnect tears down the current connection. Without one it is a no-op.
// Teardown failures are logged; the service always ends Disconnected.
func (s *ConnectionService) Disconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.disconnectLocked()
}

// Ping checks protocol liveness on the connected server.
func (s *ConnectionService) Ping(ctx context.Context) error {
	client, ok := s.activeClient()
	if !ok {
		return ErrNotConnected
	}
	return client.Ping(ctx)
}

// ListTools forwards to the connected client.
func (s *ConnectionService) ListTools(ctx context.Context) ([]Tool, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, ErrNotConnected
	}
	return client.ListTools(ctx)
}

// ListResources forwards to the connected client.
func (s *ConnectionService) ListResources(ctx context.Context) ([]Resource, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, ErrNotConnected
	}
	return client.ListResources(ctx)
}

// ListResourceTemplates forwards to the connected client.
func (s *ConnectionService) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, ErrNotConnected
	}
	return client.ListResourceTemplates(ctx)
}

// ListPrompts forwards to the connected client.
func (s *ConnectionService) ListPrompts(ctx context.Context) ([]Prompt, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, ErrNotConnected
	}
	return client.ListPrompts(ctx)
}

// CallTool forwards to the connected client.
func (s *ConnectionService) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	client, ok := s.activeClient()
	if !ok {
		return CallToolResult{}, ErrNotConnected
	}
	return client.CallTool(ctx, name, args)
}

// ReadResource forwards to the connected client.
func (s *ConnectionService) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	client, ok := s.activeClient()
	if !ok {
		return ReadResourceResult{}, ErrNotConnected
	}
	return client.ReadResource(ctx, uri)
}

// GetPrompt forwards to the connected client.
func (s *ConnectionService) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	client, ok := s.activeClient()
	if !ok {
		return GetPromptResult{}, ErrNotConnected
	}
	return client.GetPrompt(ctx, name, args)
}

// Roots returns the active client's root set. Unlike the catalog operations
// it only needs a client reference, not a live transport.
func (s *ConnectionService) Roots() ([]Root, error) {
	client := s.clientRef()
	if client == nil {
		return nil, ErrNotConnected
	}
	return client.Roots(), nil
}

// AddRoot adds a root on the active client.
func (s *ConnectionService) AddRoot(root Root) error {
	client := s.clientRef()
	if client == nil {
		return ErrNotConnected
	}
	client.AddRoot(root)
	return nil
}

// RemoveRoot removes a root on the active client, reporting membership.
func (s *ConnectionService) RemoveRoot(uri string) (bool, error) {
	client := s.clientRef()
	if client == nil {
		return false, ErrNotConnected
	}
	return client.RemoveRoot(uri), nil
}

// SetRoots replaces the root set on the active client.
func (s *ConnectionService) SetRoots(roots []Root) error {
	client := s.clientRef()
	if client == nil {
		return ErrNotConnected
	}
	client.SetRoots(roots)
	return nil
}

func (s *ConnectionService) buildClient(server *Server) (Client, error) {
	paths := server.Roots
	if len(paths) == 0 {
		paths = s.defaultRoots
	}
	roots := RootsFromPaths(paths)

	switch server.Transport {
	case TransportStdio:
		opts := []StdioOption{WithStdioLogger(s.logger), WithStdioRoots(roots)}
		if s.callTimeout > 0 {
			opts = append(opts, WithStdioCallTimeout(s.callTimeout))
		}
		return NewStdioClient(server.Command, server.Args, server.Env, opts...), nil
	case TransportTCP:
		opts := []TCPOption{WithTCPLogger(s.logger), WithTCPRoots(roots)}
		if s.callTimeout > 0 {
			opts = append(opts, WithTCPCallTimeout(s.callTimeout))
		}
		return NewTCPClient(server.Host, server.Port, opts...), nil
	case TransportHTTP:
		opts := []HTTPOption{WithHTTPLogger(s.logger), WithHTTPRoots(roots)}
		if s.callTimeout > 0 {
			opts = append(opts, WithHTTPCallTimeout(s.callTimeout))
		}
		return NewHTTPClient(server.URL, server.Headers, opts...), nil
	}
	return nil, fmt.Errorf("unsupported transport: %q", server.Transport)
}

// failConnect records the failure on the descriptor, broadcasts the Error
// state, and discards the partially connected client. Secondary teardown
// failures are swallowed into the log so the root cause is what surfaces.
func (s *ConnectionService) failConnect(client Client, server *Server, err error) error {
	server.Error = err.Error()
	s.broadcastState(StateError)

	if client != nil {
		if derr := client.Disconnect(); derr != nil {
			s.logger.Error("failed to disconnect after connect failure", "err", derr)
		}
	}

	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()

	var ce *ClientError
	if errors.As(err, &ce) {
		return err
	}
	return clientErr("connect", err)
}

func (s *ConnectionService) disconnectLocked() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}

	if err := client.Disconnect(); err != nil {
		s.logger.Error("failed to disconnect", "err", err)
	}
	// Short grace period so transport teardown goroutines settle.
	time.Sleep(s.disconnectGrace)

	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()

	s.broadcastState(StateDisconnected)
}

func (s *ConnectionService) activeClient() (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || !s.client.Connected() {
		return nil, false
	}
	return s.client, true
}

func (s *ConnectionService) clientRef() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// broadcastState writes the state to the descriptor before any observer
// runs, so observers always see a descriptor consistent with the transition
// they are told about.
func (s *ConnectionService) broadcastState(state ServerState) {
	s.mu.Lock()
	if s.server != nil {
		s.server.State = state
	}
	s.mu.Unlock()

	s.obsMu.Lock()
	observers := make([]StateHandler, len(s.stateObservers))
	copy(observers, s.stateObservers)
	s.obsMu.Unlock()

	for _, observer := range observers {
		s.invokeObserver("state", func() { observer(state) })
	}
}

func (s *ConnectionService) broadcastNotification(n ServerNotification) {
	s.obsMu.Lock()
	observers := make([]ServerNotificationHandler, len(s.notificationObservers))
	copy(observers, s.notificationObservers)
	s.obsMu.Unlock()

	for _, observer := range observers {
		s.invokeObserver("notification", func() { observer(n) })
	}
}

func (s *ConnectionService) forwardInteraction(i Interaction) {
	s.obsMu.Lock()
	observers := make([]InteractionHandler, len(s.interactionObservers))
	copy(observers, s.interactionObservers)
	s.obsMu.Unlock()

	for _, observer := range observers {
		s.invokeObserver("interaction", func() { observer(i) })
	}
}

// invokeObserver isolates observer callbacks: a panicking observer is logged
// and never stops the remaining observers or the dispatching goroutine.
func (s *ConnectionService) invokeObserver(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}

// handleNotification translates a raw client notification into a
// ServerNotification and broadcasts it.
func (s *ConnectionService) handleNotification(n Notification) {
	serverName := "Unknown Server"
	s.mu.Lock()
	if s.server != nil && s.server.Name != "" {
		serverName = s.server.Name
	}
	s.mu.Unlock()

	var kind NotificationKind
	var message string
	switch n.Method {
	case NotificationToolsListChanged:
		kind = KindToolsChanged
		message = fmt.Sprintf("Tools list changed on server '%s'", serverName)
	case NotificationResourcesListChanged:
		kind = KindResourcesChanged
		message = fmt.Sprintf("Resources list changed on server '%s'", serverName)
	case NotificationPromptsListChanged:
		kind = KindPromptsChanged
		message = fmt.Sprintf("Prompts list changed on server '%s'", serverName)
	case NotificationMessage:
		kind = KindMessage
		message = formatMessageNotification(serverName, n.Params)
	default:
		kind = KindMessage
		message = fmt.Sprintf("Server '%s' sent notification: %s", serverName, n.Method)
	}

	s.broadcastNotification(ServerNotification{
		ServerName: serverName,
		Kind:       kind,
		Message:    message,
		Method:     n.Method,
		Params:     n.Params,
		Time:       time.Now(),
	})
}

// formatMessageNotification renders a logging notification as "[LEVEL] data"
// when a data payload is present.
func formatMessageNotification(serverName string, params json.RawMessage) string {
	var mp MessageParams
	if len(params) > 0 && json.Unmarshal(params, &mp) == nil && mp.Data != nil {
		level := mp.Level
		if level == "" {
			level = "info"
		}
		data := string(mp.Data)
		var text string
		if json.Unmarshal(mp.Data, &text) == nil {
			data = text
		}
		return fmt.Sprintf("[%s] %s", strings.ToUpper(level), data)
	}
	return fmt.Sprintf("Server '%s' sent a message notification", serverName)
}
