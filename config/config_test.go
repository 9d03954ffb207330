package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/probeworks/mcprobe"
	"github.com/probeworks/mcprobe/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Servers = []mcprobe.Server{
		{
			ID:        "id-1",
			Name:      "local",
			Transport: mcprobe.TransportStdio,
			Command:   "mcp-server",
			Args:      []string{"--verbose"},
			Env:       map[string]string{"TOKEN": "x"},
		},
		{
			ID:        "id-2",
			Name:      "remote",
			Transport: mcprobe.TransportHTTP,
			URL:       "https://example.test/mcp",
			Headers:   map[string]string{"X-Key": "v1"},
			Roots:     []string{"/srv/data"},
		},
	}
	cfg.DefaultRoots = []string{"/home/op"}
	return cfg
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := config.Save(testConfig(), path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if len(loaded.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(loaded.Servers))
	}

	local := loaded.Servers[0]
	if local.Name != "local" || local.Transport != mcprobe.TransportStdio {
		t.Errorf("first server = %+v", local)
	}
	if local.Command != "mcp-server" || len(local.Args) != 1 {
		t.Errorf("stdio params lost: %+v", local)
	}

	remote := loaded.Servers[1]
	if remote.URL != "https://example.test/mcp" {
		t.Errorf("url = %q", remote.URL)
	}
	if remote.Headers["X-Key"] != "v1" {
		t.Errorf("headers = %v", remote.Headers)
	}
	if len(remote.Roots) != 1 || remote.Roots[0] != "/srv/data" {
		t.Errorf("roots = %v", remote.Roots)
	}

	if len(loaded.DefaultRoots) != 1 || loaded.DefaultRoots[0] != "/home/op" {
		t.Errorf("default roots = %v", loaded.DefaultRoots)
	}
}

func TestLoadCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load missing config: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("servers = %v, want empty defaults", cfg.Servers)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}

	// The defaults were written out and load back.
	if _, err := config.Load(path); err != nil {
		t.Fatalf("failed to reload created config: %v", err)
	}
}

func TestValidateRejectsIncompleteDescriptors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(c *config.Config) { c.Servers[0].Name = "" },
			wantErr: "name must not be empty",
		},
		{
			name:    "duplicate name",
			mutate:  func(c *config.Config) { c.Servers[1].Name = "local" },
			wantErr: "duplicate server name",
		},
		{
			name:    "unknown transport",
			mutate:  func(c *config.Config) { c.Servers[0].Transport = "smoke-signal" },
			wantErr: "transport must be one of",
		},
		{
			name:    "stdio without command",
			mutate:  func(c *config.Config) { c.Servers[0].Command = "" },
			wantErr: "command is required",
		},
		{
			name: "tcp without host",
			mutate: func(c *config.Config) {
				c.Servers[0] = mcprobe.Server{Name: "local", Transport: mcprobe.TransportTCP, Port: 9000}
			},
			wantErr: "host is required",
		},
		{
			name: "tcp with bad port",
			mutate: func(c *config.Config) {
				c.Servers[0] = mcprobe.Server{Name: "local", Transport: mcprobe.TransportTCP, Host: "h", Port: 70000}
			},
			wantErr: "port must be between",
		},
		{
			name:    "http without url",
			mutate:  func(c *config.Config) { c.Servers[1].URL = "" },
			wantErr: "url is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *config.Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate error = nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateNormalizesTransportCase(t *testing.T) {
	cfg := testConfig()
	cfg.Servers[0].Transport = "STDIO"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Servers[0].Transport != mcprobe.TransportStdio {
		t.Errorf("transport = %q, want normalized stdio", cfg.Servers[0].Transport)
	}
}

func TestFindAddRemove(t *testing.T) {
	cfg := testConfig()

	if _, err := cfg.Find("local"); err != nil {
		t.Errorf("Find by name failed: %v", err)
	}
	if _, err := cfg.Find("id-2"); err != nil {
		t.Errorf("Find by id failed: %v", err)
	}
	if _, err := cfg.Find("missing"); err == nil {
		t.Error("Find(missing) error = nil")
	}

	added, err := cfg.Add(mcprobe.Server{
		Name:      "third",
		Transport: mcprobe.TransportTCP,
		Host:      "127.0.0.1",
		Port:      9000,
	})
	if err != nil {
		t.Fatalf("failed to add server: %v", err)
	}
	if added.ID == "" {
		t.Error("Add did not assign an ID")
	}

	if _, err := cfg.Add(mcprobe.Server{Name: "third", Transport: mcprobe.TransportHTTP, URL: "http://x"}); err == nil {
		t.Error("Add with duplicate name succeeded")
	}

	// A rejected add must not leave the invalid entry behind.
	if _, err := cfg.Add(mcprobe.Server{Name: "broken", Transport: mcprobe.TransportTCP}); err == nil {
		t.Error("Add with missing host succeeded")
	}
	if _, err := cfg.Find("broken"); err == nil {
		t.Error("invalid server left in config after rejected add")
	}

	if !cfg.Remove("third") {
		t.Error("Remove(third) = false")
	}
	if cfg.Remove("third") {
		t.Error("second Remove(third) = true")
	}
}
