package mcprobe_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/probeworks/mcprobe"
	"github.com/probeworks/mcprobe/logging"
	"github.com/probeworks/mcprobe/mcptest"
)

// startTCPServer serves srv on an ephemeral port and returns the client
// pointed at it.
func startTCPServer(t *testing.T, srv *mcptest.Server, options ...mcprobe.TCPOption) *mcprobe.TCPClient {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go srv.ServeListener(l)

	addr := l.Addr().(*net.TCPAddr)
	options = append([]mcprobe.TCPOption{mcprobe.WithTCPLogger(logging.Nop())}, options...)
	return mcprobe.NewTCPClient(addr.IP.String(), addr.Port, options...)
}

func scriptedServer(t *testing.T) *mcptest.Server {
	t.Helper()
	return buildScriptedServer()
}

func TestTCPClientRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)

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
	if info.Name != "scripted" || info.Version != "2.3.4" {
		t.Errorf("info = %+v, want scripted 2.3.4", info)
	}
	if info.ProtocolVersion == "" {
		t.Error("protocol version is empty")
	}
	if info.Capabilities.Tools == nil {
		t.Error("tools capability not advertised")
	}

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("failed to ping: %v", err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v, want [echo]", tools)
	}
	if got := tools[0].InputSchema.RequiredParams(); len(got) != 1 || got[0] != "text" {
		t.Errorf("required params = %v, want [text]", got)
	}

	resources, err := client.ListResources(ctx)
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "mem://greeting" {
		t.Fatalf("resources = %+v", resources)
	}

	templates, err := client.ListResourceTemplates(ctx)
	if err != nil {
		t.Fatalf("failed to list resource templates: %v", err)
	}
	if len(templates) != 1 || templates[0].URITemplate != "mem://{key}" {
		t.Fatalf("templates = %+v", templates)
	}

	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		t.Fatalf("failed to list prompts: %v", err)
	}
	if len(prompts) != 1 || prompts[0].Name != "summarize" {
		t.Fatalf("prompts = %+v", prompts)
	}
	if !prompts[0].Arguments[0].Required {
		t.Error("topic argument lost its required flag")
	}

	result, err := client.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("result = %+v", result)
	}

	read, err := client.ReadResource(ctx, "mem://greeting")
	if err != nil {
		t.Fatalf("failed to read resource: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "hello" {
		t.Fatalf("contents = %+v", read.Contents)
	}

	prompt, err := client.GetPrompt(ctx, "summarize", map[string]string{"topic": "go"})
	if err != nil {
		t.Fatalf("failed to get prompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Fatalf("messages = %+v", prompt.Messages)
	}
}

func TestTCPListToleratesMissingCapability(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// An empty catalog answers every listing with method-not-found.
	srv := mcptest.NewServer(mcptest.WithLogger(logging.Nop()))
	client := startTCPServer(t, srv)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools error = %v, want nil", err)
	}
	if len(tools) != 0 {
		t.Errorf("tools = %+v, want empty", tools)
	}

	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		t.Fatalf("ListPrompts error = %v, want nil", err)
	}
	if len(prompts) != 0 {
		t.Errorf("prompts = %+v, want empty", prompts)
	}
}

func TestTCPListToleratesTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	srv.StallMethod(mcprobe.MethodToolsList)
	client := startTCPServer(t, srv, mcprobe.WithTCPCallTimeout(100*time.Millisecond))

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools error = %v, want nil on timeout", err)
	}
	if len(tools) != 0 {
		t.Errorf("tools = %+v, want empty", tools)
	}
}

func TestTCPCallToolFailureNamesTool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	srv.FailMethod(mcprobe.MethodToolsCall, -32603, "tool exploded")
	client := startTCPServer(t, srv)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	_, err := client.CallTool(ctx, "noop", map[string]any{})
	if err == nil {
		t.Fatal("CallTool error = nil, want failure")
	}
	var ce *mcprobe.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ClientError", err)
	}
	if want := `"noop"`; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not mention %s", err, want)
	}
	var rpcErr *mcprobe.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "tool exploded" {
		t.Errorf("cause = %v, want the server's RPC error", err)
	}
}

func TestTCPNotificationDispatchAndFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)

	var mu sync.Mutex
	var exact, catchall []string
	client.OnNotification(mcprobe.NotificationToolsListChanged, func(n mcprobe.Notification) {
		mu.Lock()
		exact = append(exact, n.Method)
		mu.Unlock()
	})
	client.OnNotification(mcprobe.NotificationAll, func(n mcprobe.Notification) {
		mu.Lock()
		catchall = append(catchall, n.Method)
		mu.Unlock()
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	if err := srv.Notify(mcprobe.NotificationToolsListChanged, nil); err != nil {
		t.Fatalf("failed to notify: %v", err)
	}
	if err := srv.Notify("notifications/vendor/custom", map[string]any{"x": 1}); err != nil {
		t.Fatalf("failed to notify: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(exact) == 1 && len(catchall) == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			mu.Lock()
			t.Fatalf("notifications not delivered: exact=%v catchall=%v", exact, catchall)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if exact[0] != mcprobe.NotificationToolsListChanged {
		t.Errorf("exact handler saw %q", exact[0])
	}
	// The catch-all only receives methods no exact handler claimed.
	if catchall[0] != "notifications/vendor/custom" {
		t.Errorf("catch-all handler saw %q", catchall[0])
	}
}

func TestTCPInteractionsObserved(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)

	var mu sync.Mutex
	var interactions []mcprobe.Interaction
	client.OnInteraction(func(i mcprobe.Interaction) {
		mu.Lock()
		interactions = append(interactions, i)
		mu.Unlock()
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("failed to ping: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(interactions) < 2 {
		t.Fatalf("interactions = %d, want at least a send and a receive", len(interactions))
	}
	var sent, received bool
	for _, i := range interactions {
		if i.Time.IsZero() {
			t.Error("interaction time is zero")
		}
		if i.Message == "" {
			t.Error("interaction message is empty")
		}
		switch i.Direction {
		case mcprobe.DirectionSent:
			sent = true
		case mcprobe.DirectionReceived:
			received = true
		}
	}
	if !sent || !received {
		t.Errorf("directions: sent=%v received=%v, want both", sent, received)
	}
}

func TestTCPServerInitiatedRootsList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	roots := []mcprobe.Root{{URI: "file:///work", Name: "work"}}
	client := startTCPServer(t, srv, mcprobe.WithTCPRoots(roots))

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	ch, err := srv.Request(mcprobe.MethodRootsList, nil)
	if err != nil {
		t.Fatalf("failed to request roots: %v", err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			t.Fatalf("roots/list error: %v", res.Error)
		}
		var list mcprobe.RootList
		if err := json.Unmarshal(res.Result, &list); err != nil {
			t.Fatalf("failed to unmarshal roots: %v", err)
		}
		if len(list.Roots) != 1 || list.Roots[0].URI != "file:///work" {
			t.Fatalf("roots = %+v", list.Roots)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for roots/list answer")
	}
}

func TestTCPRootMutationNotifiesServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	client.AddRoot(mcprobe.Root{URI: "file:///new", Name: "new"})

	deadline := time.Now().Add(2 * time.Second)
	for srv.RootsChangedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never saw roots/list_changed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTCPDisconnectIdempotentAfterUse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("first Disconnect error: %v", err)
	}
	if client.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second Disconnect error: %v", err)
	}

	// The client reconnects cleanly after a full teardown.
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to reconnect: %v", err)
	}
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize after reconnect: %v", err)
	}
	client.Disconnect()
}

func TestTCPRapidReconnectCycles(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)

	// A reader goroutine left over from a torn-down connection must never
	// fail calls made on the connection that replaced it, no matter how
	// quickly the client reconnects.
	for i := 0; i < 250; i++ {
		if err := client.Connect(ctx); err != nil {
			t.Fatalf("cycle %d: failed to connect: %v", i, err)
		}
		if err := client.Ping(ctx); err != nil {
			t.Fatalf("cycle %d: ping on fresh connection failed: %v", i, err)
		}
		if err := client.Disconnect(); err != nil {
			t.Fatalf("cycle %d: failed to disconnect: %v", i, err)
		}
	}
}

func TestTCPConcurrentConnectSingleWinner(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := scriptedServer(t)
	client := startTCPServer(t, srv)
	defer client.Disconnect()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- client.Connect(ctx) }()
	}

	var connected, refused int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			connected++
		case errors.Is(err, mcprobe.ErrAlreadyConnected):
			refused++
		default:
			t.Fatalf("Connect error = %v", err)
		}
	}
	if connected != 1 || refused != 1 {
		t.Fatalf("connected=%d refused=%d, want exactly one of each", connected, refused)
	}

	// Whichever dial won, the installed connection works.
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping after concurrent connects failed: %v", err)
	}
}
