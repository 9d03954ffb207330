package mcprobe_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/probeworks/mcprobe"
	"github.com/probeworks/mcprobe/logging"
)

// clients returns one fresh, unconnected client per transport, so contract
// tests run against all three implementations.
func clients() map[string]mcprobe.Client {
	return map[string]mcprobe.Client{
		"stdio": mcprobe.NewStdioClient("true", nil, nil, mcprobe.WithStdioLogger(logging.Nop())),
		"tcp":   mcprobe.NewTCPClient("127.0.0.1", 1, mcprobe.WithTCPLogger(logging.Nop())),
		"http":  mcprobe.NewHTTPClient("http://127.0.0.1:1/mcp", nil, mcprobe.WithHTTPLogger(logging.Nop())),
	}
}

func TestClientOperationsRequireConnection(t *testing.T) {
	ctx := context.Background()

	for name, client := range clients() {
		t.Run(name, func(t *testing.T) {
			if _, err := client.Initialize(ctx); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("Initialize error = %v, want ErrNotConnected", err)
			}
			if _, err := client.ListTools(ctx); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("ListTools error = %v, want ErrNotConnected", err)
			}
			if _, err := client.ListResources(ctx); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("ListResources error = %v, want ErrNotConnected", err)
			}
			if _, err := client.ListResourceTemplates(ctx); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("ListResourceTemplates error = %v, want ErrNotConnected", err)
			}
			if _, err := client.ListPrompts(ctx); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("ListPrompts error = %v, want ErrNotConnected", err)
			}
			if _, err := client.CallTool(ctx, "noop", nil); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("CallTool error = %v, want ErrNotConnected", err)
			}
			if _, err := client.ReadResource(ctx, "file:///x"); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("ReadResource error = %v, want ErrNotConnected", err)
			}
			if _, err := client.GetPrompt(ctx, "p", nil); !errors.Is(err, mcprobe.ErrNotConnected) {
				t.Errorf("GetPrompt error = %v, want ErrNotConnected", err)
			}
			if client.Connected() {
				t.Error("Connected() = true before Connect")
			}
		})
	}
}

func TestClientDisconnectIdempotentWhenNeverConnected(t *testing.T) {
	for name, client := range clients() {
		t.Run(name, func(t *testing.T) {
			if err := client.Disconnect(); err != nil {
				t.Fatalf("first Disconnect error: %v", err)
			}
			if err := client.Disconnect(); err != nil {
				t.Fatalf("second Disconnect error: %v", err)
			}
		})
	}
}

func TestClientRootRoundTrip(t *testing.T) {
	a := mcprobe.Root{URI: "file:///a", Name: "a"}
	b := mcprobe.Root{URI: "file:///b", Name: "b"}
	c := mcprobe.Root{URI: "file:///c", Name: "c"}

	// Roots are usable before Connect on every transport.
	for name, client := range clients() {
		t.Run(name, func(t *testing.T) {
			client.SetRoots([]mcprobe.Root{a, b})
			if got := client.Roots(); !reflect.DeepEqual(got, []mcprobe.Root{a, b}) {
				t.Fatalf("roots = %v, want [a b]", got)
			}

			client.AddRoot(c)
			if got := client.Roots(); !reflect.DeepEqual(got, []mcprobe.Root{a, b, c}) {
				t.Fatalf("roots = %v, want [a b c]", got)
			}

			// Adding a duplicate URI leaves the set unchanged.
			client.AddRoot(mcprobe.Root{URI: "file:///c", Name: "again"})
			if got := client.Roots(); len(got) != 3 {
				t.Fatalf("roots = %v, want 3 entries after duplicate add", got)
			}

			if !client.RemoveRoot("file:///b") {
				t.Fatal("RemoveRoot(b) = false, want true")
			}
			if got := client.Roots(); !reflect.DeepEqual(got, []mcprobe.Root{a, c}) {
				t.Fatalf("roots = %v, want [a c]", got)
			}

			if client.RemoveRoot("file:///z") {
				t.Fatal("RemoveRoot(z) = true for a non-member")
			}
			if got := client.Roots(); !reflect.DeepEqual(got, []mcprobe.Root{a, c}) {
				t.Fatalf("roots = %v after failed remove, want [a c]", got)
			}
		})
	}
}

func TestClientErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := &mcprobe.ClientError{Op: `call tool "noop"`, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is does not reach the cause")
	}
	msg := err.Error()
	if want := `failed to call tool "noop": boom`; msg != want {
		t.Errorf("error = %q, want %q", msg, want)
	}
}

func TestRootFromPath(t *testing.T) {
	cases := []struct {
		in       string
		wantURI  string
		wantName string
	}{
		{in: "/tmp/project", wantURI: "file:///tmp/project", wantName: "project"},
		{in: "/srv/data/", wantURI: "file:///srv/data/", wantName: "data"},
		{in: "file:///already/uri", wantURI: "file:///already/uri", wantName: "uri"},
	}

	for _, tc := range cases {
		got := mcprobe.RootFromPath(tc.in)
		if got.URI != tc.wantURI {
			t.Errorf("RootFromPath(%q).URI = %q, want %q", tc.in, got.URI, tc.wantURI)
		}
		if got.Name != tc.wantName {
			t.Errorf("RootFromPath(%q).Name = %q, want %q", tc.in, got.Name, tc.wantName)
		}
	}
}
