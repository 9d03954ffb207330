// Package mcptest provides a scripted MCP server for exercising protocol
// clients in tests. A Server holds a hand-built catalog of tools, resources,
// and prompts, answers the inspector's method set over newline-delimited
// streams or streamable HTTP, and lets tests script failures and push
// notifications mid-session.
package mcptest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/probeworks/mcprobe"
)

// JSON-RPC error codes the scripted server answers with.
const (
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// ToolHandler produces the result of one scripted tool call.
type ToolHandler func(args map[string]any) (mcprobe.CallToolResult, error)

// PromptHandler renders one scripted prompt.
type PromptHandler func(args map[string]string) (mcprobe.GetPromptResult, error)

type scriptedTool struct {
	tool    mcprobe.Tool
	handler ToolHandler
}

type scriptedResource struct {
	resource mcprobe.Resource
	contents []mcprobe.ResourceContents
}

type scriptedPrompt struct {
	prompt  mcprobe.Prompt
	handler PromptHandler
}

// Server is a scripted MCP server. The zero value is not usable; create one
// with NewServer. Registration methods and scripting methods are safe to
// call while the server is serving, so tests can mutate the catalog and then
// push a list-changed notification.
type Server struct {
	logger        *slog.Logger
	info          mcprobe.Info
	instructions  string
	jsonResponses bool

	mu           sync.Mutex
	tools        []scriptedTool
	resources    []scriptedResource
	templates    []mcprobe.ResourceTemplate
	prompts      []scriptedPrompt
	failures     map[string]*mcprobe.RPCError
	disabled     map[string]struct{}
	stalled      map[string]struct{}
	queued       []mcprobe.JSONRPCMessage
	pending      map[mcprobe.RequestID]chan mcprobe.JSONRPCMessage
	streams      map[*stream]struct{}
	session      string
	rootsChanged int
}

// Option configures a Server.
type Option func(*Server)

// WithInfo sets the identity the server reports during initialization.
func WithInfo(info mcprobe.Info) Option {
	return func(s *Server) {
		s.info = info
	}
}

// WithInstructions sets the instructions string in the initialize result.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithJSONResponses makes the HTTP handler answer requests with plain
// application/json bodies instead of event streams.
func WithJSONResponses() Option {
	return func(s *Server) {
		s.jsonResponses = true
	}
}

// NewServer creates a scripted server with an empty catalog.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:   slog.Default(),
		info:     mcprobe.Info{Name: "mcptest", Version: "1.0.0"},
		failures: make(map[string]*mcprobe.RPCError),
		disabled: make(map[string]struct{}),
		stalled:  make(map[string]struct{}),
		pending:  make(map[mcprobe.RequestID]chan mcprobe.JSONRPCMessage),
		streams:  make(map[*stream]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// AddTool registers a tool. A nil handler answers calls with a single "ok"
// text content.
func (s *Server) AddTool(tool mcprobe.Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, scriptedTool{tool: tool, handler: handler})
}

// AddResource registers a resource and the contents a read returns.
func (s *Server) AddResource(resource mcprobe.Resource, contents []mcprobe.ResourceContents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, scriptedResource{resource: resource, contents: contents})
}

// AddResourceTemplate registers a resource template.
func (s *Server) AddResourceTemplate(template mcprobe.ResourceTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, template)
}

// AddPrompt registers a prompt. A nil handler answers gets with a single
// user message naming the prompt.
func (s *Server) AddPrompt(prompt mcprobe.Prompt, handler PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, scriptedPrompt{prompt: prompt, handler: handler})
}

// FailMethod scripts an error answer for a method until Restore is called.
func (s *Server) FailMethod(method string, code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = &mcprobe.RPCError{Code: code, Message: message}
}

// DisableMethod scripts a "method not found" answer for a method until
// Restore is called.
func (s *Server) DisableMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[method] = struct{}{}
}

// StallMethod makes a method never answer. Stream clients run into their
// call timeout; Restore lifts the stall.
func (s *Server) StallMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[method] = struct{}{}
}

// Restore removes any failure, disable, or stall scripting for a method.
func (s *Server) Restore(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, method)
	delete(s.disabled, method)
	delete(s.stalled, method)
}

// RootsChangedCount reports how many roots/list_changed notifications the
// server has received.
func (s *Server) RootsChangedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootsChanged
}

// Notify pushes a notification to every live stream. For HTTP sessions it is
// queued and interleaved into the next response stream.
func (s *Server) Notify(method string, params any) error {
	msg := mcprobe.JSONRPCMessage{JSONRPC: mcprobe.JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	s.push(msg)
	return nil
}

// Request sends a server-initiated request to every live stream (queued for
// HTTP sessions) and returns a channel that yields the first response
// carrying its ID.
func (s *Server) Request(method string, params any) (<-chan mcprobe.JSONRPCMessage, error) {
	msg := mcprobe.JSONRPCMessage{
		JSONRPC: mcprobe.JSONRPCVersion,
		ID:      mcprobe.RequestID(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	ch := make(chan mcprobe.JSONRPCMessage, 1)
	s.mu.Lock()
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	s.push(msg)
	return ch, nil
}

// push delivers a server-originated message to every live stream, or queues
// it for the next HTTP response stream when none is connected.
func (s *Server) push(msg mcprobe.JSONRPCMessage) {
	s.mu.Lock()
	if len(s.streams) == 0 {
		s.queued = append(s.queued, msg)
		s.mu.Unlock()
		return
	}
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		if err := st.send(msg); err != nil {
			s.logger.Error("failed to push message", "err", err)
		}
	}
}

// takeQueued drains the messages queued for the next HTTP response stream.
func (s *Server) takeQueued() []mcprobe.JSONRPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queued
	s.queued = nil
	return queued
}

// dispatch handles one client message. The returned message is the response
// to write, nil when the message needs none.
func (s *Server) dispatch(msg mcprobe.JSONRPCMessage) *mcprobe.JSONRPCMessage {
	// A message without a method is a response to a server-initiated request.
	if msg.Method == "" {
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
		return nil
	}

	// Notifications carry no ID and get no response.
	if msg.ID == "" {
		switch msg.Method {
		case mcprobe.NotificationRootsListChanged:
			s.mu.Lock()
			s.rootsChanged++
			s.mu.Unlock()
		case mcprobe.NotificationInitialized:
		}
		return nil
	}

	res := mcprobe.JSONRPCMessage{JSONRPC: mcprobe.JSONRPCVersion, ID: msg.ID}

	s.mu.Lock()
	_, stalled := s.stalled[msg.Method]
	_, disabled := s.disabled[msg.Method]
	failure := s.failures[msg.Method]
	s.mu.Unlock()

	switch {
	case stalled:
		return nil
	case disabled:
		res.Error = &mcprobe.RPCError{Code: codeMethodNotFound, Message: "method not found"}
		return &res
	case failure != nil:
		res.Error = failure
		return &res
	}

	result, rpcErr := s.answer(msg)
	if rpcErr != nil {
		res.Error = rpcErr
		return &res
	}

	bs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", "method", msg.Method, "err", err)
		res.Error = &mcprobe.RPCError{Code: codeInternalError, Message: "failed to marshal result"}
		return &res
	}
	res.Result = bs
	return &res
}

func (s *Server) answer(msg mcprobe.JSONRPCMessage) (any, *mcprobe.RPCError) {
	switch msg.Method {
	case mcprobe.MethodInitialize:
		return s.answerInitialize(msg.Params)
	case mcprobe.MethodPing:
		return struct{}{}, nil
	case mcprobe.MethodToolsList:
		return s.answerListTools()
	case mcprobe.MethodToolsCall:
		return s.answerCallTool(msg.Params)
	case mcprobe.MethodResourcesList:
		return s.answerListResources()
	case mcprobe.MethodResourcesRead:
		return s.answerReadResource(msg.Params)
	case mcprobe.MethodResourcesTemplatesList:
		return s.answerListResourceTemplates()
	case mcprobe.MethodPromptsList:
		return s.answerListPrompts()
	case mcprobe.MethodPromptsGet:
		return s.answerGetPrompt(msg.Params)
	}
	return nil, &mcprobe.RPCError{Code: codeMethodNotFound, Message: "method not found"}
}

func (s *Server) answerInitialize(params json.RawMessage) (any, *mcprobe.RPCError) {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}
	if p.ProtocolVersion != mcprobe.ProtocolVersion {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", p.ProtocolVersion, mcprobe.ProtocolVersion),
		}
	}

	result := map[string]any{
		"protocolVersion": mcprobe.ProtocolVersion,
		"capabilities":    s.capabilities(),
		"serverInfo":      s.info,
	}
	if s.instructions != "" {
		result["instructions"] = s.instructions
	}
	return result, nil
}

// capabilities derives the advertised capability set from what was
// registered.
func (s *Server) capabilities() mcprobe.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()

	caps := mcprobe.ServerCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &mcprobe.ToolsCapability{ListChanged: true}
	}
	if len(s.resources) > 0 || len(s.templates) > 0 {
		caps.Resources = &mcprobe.ResourcesCapability{ListChanged: true}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &mcprobe.PromptsCapability{ListChanged: true}
	}
	return caps
}

func (s *Server) answerListTools() (any, *mcprobe.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tools) == 0 {
		return nil, &mcprobe.RPCError{Code: codeMethodNotFound, Message: "tools not supported by server"}
	}
	tools := make([]mcprobe.Tool, 0, len(s.tools))
	for _, st := range s.tools {
		tools = append(tools, st.tool)
	}
	return mcprobe.ListToolsResult{Tools: tools}, nil
}

func (s *Server) answerCallTool(params json.RawMessage) (any, *mcprobe.RPCError) {
	var p mcprobe.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	s.mu.Lock()
	var handler ToolHandler
	found := false
	for _, st := range s.tools {
		if st.tool.Name == p.Name {
			handler = st.handler
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("unknown tool: %s", p.Name),
		}
	}
	if handler == nil {
		return mcprobe.CallToolResult{
			Content: []mcprobe.Content{{Type: mcprobe.ContentTypeText, Text: "ok"}},
		}, nil
	}

	result, err := handler(p.Arguments)
	if err != nil {
		// Handler failures become tool results, not protocol errors.
		return mcprobe.CallToolResult{
			Content: []mcprobe.Content{{Type: mcprobe.ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (s *Server) answerListResources() (any, *mcprobe.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resources) == 0 && len(s.templates) == 0 {
		return nil, &mcprobe.RPCError{Code: codeMethodNotFound, Message: "resources not supported by server"}
	}
	resources := make([]mcprobe.Resource, 0, len(s.resources))
	for _, sr := range s.resources {
		resources = append(resources, sr.resource)
	}
	return mcprobe.ListResourcesResult{Resources: resources}, nil
}

func (s *Server) answerReadResource(params json.RawMessage) (any, *mcprobe.RPCError) {
	var p mcprobe.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sr := range s.resources {
		if sr.resource.URI == p.URI {
			return mcprobe.ReadResourceResult{Contents: sr.contents}, nil
		}
	}
	return nil, &mcprobe.RPCError{
		Code:    codeInvalidParams,
		Message: fmt.Sprintf("resource not found: %s", p.URI),
	}
}

func (s *Server) answerListResourceTemplates() (any, *mcprobe.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resources) == 0 && len(s.templates) == 0 {
		return nil, &mcprobe.RPCError{Code: codeMethodNotFound, Message: "resources not supported by server"}
	}
	templates := make([]mcprobe.ResourceTemplate, len(s.templates))
	copy(templates, s.templates)
	return mcprobe.ListResourceTemplatesResult{Templates: templates}, nil
}

func (s *Server) answerListPrompts() (any, *mcprobe.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return nil, &mcprobe.RPCError{Code: codeMethodNotFound, Message: "prompts not supported by server"}
	}
	prompts := make([]mcprobe.Prompt, 0, len(s.prompts))
	for _, sp := range s.prompts {
		prompts = append(prompts, sp.prompt)
	}
	return mcprobe.ListPromptsResult{Prompts: prompts}, nil
}

func (s *Server) answerGetPrompt(params json.RawMessage) (any, *mcprobe.RPCError) {
	var p mcprobe.GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	s.mu.Lock()
	var handler PromptHandler
	var prompt mcprobe.Prompt
	found := false
	for _, sp := range s.prompts {
		if sp.prompt.Name == p.Name {
			handler = sp.handler
			prompt = sp.prompt
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return nil, &mcprobe.RPCError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("unknown prompt: %s", p.Name),
		}
	}
	if handler == nil {
		return mcprobe.GetPromptResult{
			Description: prompt.Description,
			Messages: []mcprobe.PromptMessage{{
				Role:    mcprobe.RoleUser,
				Content: mcprobe.Content{Type: mcprobe.ContentTypeText, Text: "prompt " + p.Name},
			}},
		}, nil
	}

	result, err := handler(p.Arguments)
	if err != nil {
		return nil, &mcprobe.RPCError{Code: codeInternalError, Message: err.Error()}
	}
	return result, nil
}
