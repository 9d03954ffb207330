package mcprobe_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/probeworks/mcprobe"
	"github.com/probeworks/mcprobe/logging"
	"github.com/probeworks/mcprobe/mcptest"
)

// recordingHandler wraps an MCP endpoint and records every request's headers.
type recordingHandler struct {
	next http.Handler

	mu       sync.Mutex
	requests []http.Header
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, r.Header.Clone())
	h.mu.Unlock()
	h.next.ServeHTTP(w, r)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *recordingHandler) header(i int, key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.requests) {
		return ""
	}
	return h.requests[i].Get(key)
}

func TestHTTPClientScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := mcptest.NewServer(
		mcptest.WithInfo(mcprobe.Info{Name: "http-server", Version: "1.0.0"}),
		mcptest.WithLogger(logging.Nop()),
	)
	// One tool whose input schema goes over the wire as a bare object.
	srv.AddTool(mcprobe.Tool{Name: "noop"}, nil)

	rec := &recordingHandler{next: srv.Handler()}
	ts := httptest.NewServer(rec)
	defer ts.Close()

	client := mcprobe.NewHTTPClient(ts.URL, map[string]string{"X-Key": "v1"},
		mcprobe.WithHTTPLogger(logging.Nop()))

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(ctx); !errors.Is(err, mcprobe.ErrAlreadyConnected) {
		t.Fatalf("second Connect error = %v, want ErrAlreadyConnected", err)
	}

	info, err := client.Initialize(ctx)
	if err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	if info.ProtocolVersion == "" {
		t.Error("protocol version is empty")
	}
	if info.Name != "http-server" {
		t.Errorf("server name = %q, want http-server", info.Name)
	}

	before := rec.count()
	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	// One protocol call is exactly one POST; nothing stays open between calls.
	if got := rec.count() - before; got != 1 {
		t.Errorf("ListTools made %d requests, want 1", got)
	}
	if len(tools) != 1 || tools[0].Name != "noop" {
		t.Fatalf("tools = %+v, want [noop]", tools)
	}
	if tools[0].InputSchema.Properties == nil || len(tools[0].InputSchema.Properties) != 0 {
		t.Errorf("input schema properties = %v, want empty set", tools[0].InputSchema.Properties)
	}

	srv.FailMethod(mcprobe.MethodToolsCall, -32603, "scripted failure")
	if _, err := client.CallTool(ctx, "noop", map[string]any{}); err == nil {
		t.Fatal("CallTool error = nil, want scripted failure")
	} else if !strings.Contains(err.Error(), "noop") {
		t.Errorf("error %q does not mention the tool name", err)
	}

	// Every request carried the custom header; protocol headers won over any
	// same-named defaults; the session id was replayed after initialize.
	for i := 0; i < rec.count(); i++ {
		if got := rec.header(i, "X-Key"); got != "v1" {
			t.Errorf("request %d X-Key = %q, want v1", i, got)
		}
		if got := rec.header(i, "Content-Type"); got != "application/json" {
			t.Errorf("request %d Content-Type = %q", i, got)
		}
	}
	if got := rec.header(rec.count()-1, "Mcp-Session-Id"); got == "" {
		t.Error("session id not replayed on later requests")
	}
}

func TestHTTPHeaderOverridePrecedence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := mcptest.NewServer(mcptest.WithLogger(logging.Nop()))
	rec := &recordingHandler{next: srv.Handler()}
	ts := httptest.NewServer(rec)
	defer ts.Close()

	// Descriptor-level defaults that collide with protocol headers lose.
	client := mcprobe.NewHTTPClient(ts.URL, map[string]string{
		"Content-Type": "text/plain",
		"Accept":       "text/html",
		"X-Custom":     "kept",
	}, mcprobe.WithHTTPLogger(logging.Nop()))

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("failed to ping: %v", err)
	}

	if got := rec.header(0, "Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want the protocol value", got)
	}
	if got := rec.header(0, "Accept"); !strings.Contains(got, "text/event-stream") {
		t.Errorf("Accept = %q, want the protocol value", got)
	}
	if got := rec.header(0, "X-Custom"); got != "kept" {
		t.Errorf("X-Custom = %q, want kept", got)
	}
}

func TestHTTPQueuedNotificationDeliveredOnNextCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := buildScriptedServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := mcprobe.NewHTTPClient(ts.URL, nil, mcprobe.WithHTTPLogger(logging.Nop()))

	var mu sync.Mutex
	var seen []string
	client.OnNotification(mcprobe.NotificationToolsListChanged, func(n mcprobe.Notification) {
		mu.Lock()
		seen = append(seen, n.Method)
		mu.Unlock()
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	// Nothing is streaming, so the push queues for the next response stream.
	if err := srv.Notify(mcprobe.NotificationToolsListChanged, nil); err != nil {
		t.Fatalf("failed to notify: %v", err)
	}

	if _, err := client.ListTools(ctx); err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != mcprobe.NotificationToolsListChanged {
		t.Fatalf("notifications = %v, want the queued tools change", seen)
	}
}

func TestHTTPStreamClosedMidCallFailsCallOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// An event stream that ends without ever carrying the response.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
	}))
	defer ts.Close()

	client := mcprobe.NewHTTPClient(ts.URL, nil, mcprobe.WithHTTPLogger(logging.Nop()))

	var mu sync.Mutex
	var sent []mcprobe.Interaction
	client.OnInteraction(func(i mcprobe.Interaction) {
		if i.Direction == mcprobe.DirectionSent {
			mu.Lock()
			sent = append(sent, i)
			mu.Unlock()
		}
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	_, err := client.CallTool(ctx, "anything", nil)
	if err == nil {
		t.Fatal("CallTool error = nil, want stream failure")
	}
	var ce *mcprobe.ClientError
	if !errors.As(err, &ce) {
		t.Errorf("error type = %T, want *ClientError", err)
	}

	// The request went over the wire, so it was recorded as sent even
	// though the response never arrived.
	mu.Lock()
	if len(sent) == 0 {
		t.Error("no sent interaction recorded for the failed call")
	}
	for _, i := range sent {
		if i.Time.IsZero() {
			t.Error("sent interaction time is zero")
		}
	}
	mu.Unlock()

	// The failed call does not change the connection's own state.
	if !client.Connected() {
		t.Error("Connected() = false after a mid-call stream close")
	}
}

func TestHTTPJSONResponseMode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := mcptest.NewServer(
		mcptest.WithInfo(mcprobe.Info{Name: "json-server", Version: "1.0.0"}),
		mcptest.WithLogger(logging.Nop()),
		mcptest.WithJSONResponses(),
	)
	srv.AddTool(mcprobe.Tool{Name: "noop"}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := mcprobe.NewHTTPClient(ts.URL, nil, mcprobe.WithHTTPLogger(logging.Nop()))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	info, err := client.Initialize(ctx)
	if err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	if info.Name != "json-server" {
		t.Errorf("server name = %q", info.Name)
	}

	result, err := client.CallTool(ctx, "noop", nil)
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("result = %+v", result)
	}
}

func TestHTTPDisconnectIdempotent(t *testing.T) {
	ctx := context.Background()

	srv := mcptest.NewServer(mcptest.WithLogger(logging.Nop()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := mcprobe.NewHTTPClient(ts.URL, nil, mcprobe.WithHTTPLogger(logging.Nop()))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("first Disconnect error: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second Disconnect error: %v", err)
	}
	if client.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
}
