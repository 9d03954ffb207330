// Package config persists the inspector's server descriptors and settings
// as a JSON file under the user's home directory, with environment variable
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/probeworks/mcprobe"
)

// Config is the root configuration.
type Config struct {
	Servers      []mcprobe.Server `mapstructure:"servers" json:"servers"`
	DefaultRoots []string         `mapstructure:"default_roots" json:"default_roots,omitempty"`
	Log          LogConfig        `mapstructure:"log" json:"log"`
}

// LogConfig application logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Servers: []mcprobe.Server{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the mcprobe config directory.
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mcprobe")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load reads the config file at path, or the default path when path is
// empty. A missing file is created with defaults. Environment variables
// prefixed MCPROBE_ override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(cfg, path); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("MCPROBE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save writes the config to path, or the default path when path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks descriptor completeness per transport and global
// invariants, normalizing what it can.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Servers))

	for i := range c.Servers {
		s := &c.Servers[i]

		if s.Name == "" {
			return fmt.Errorf("servers[%d].name must not be empty", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		names[s.Name] = true

		s.Transport = mcprobe.Transport(strings.ToLower(string(s.Transport)))
		if !s.Transport.Valid() {
			return fmt.Errorf("server %q: transport must be one of stdio, tcp, http; got %q", s.Name, s.Transport)
		}

		switch s.Transport {
		case mcprobe.TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("server %q: command is required for stdio transport", s.Name)
			}
		case mcprobe.TransportTCP:
			if s.Host == "" {
				return fmt.Errorf("server %q: host is required for tcp transport", s.Name)
			}
			if s.Port < 1 || s.Port > 65535 {
				return fmt.Errorf("server %q: port must be between 1 and 65535, got %d", s.Name, s.Port)
			}
		case mcprobe.TransportHTTP:
			if s.URL == "" {
				return fmt.Errorf("server %q: url is required for http transport", s.Name)
			}
		}
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	format := strings.ToLower(strings.TrimSpace(c.Log.Format))
	if format == "" {
		c.Log.Format = "text"
	} else if format != "text" && format != "json" {
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	} else {
		c.Log.Format = format
	}

	return nil
}

// Find returns the server whose ID or name matches, or an error naming the
// missing server.
func (c *Config) Find(nameOrID string) (*mcprobe.Server, error) {
	for i := range c.Servers {
		if c.Servers[i].ID == nameOrID || c.Servers[i].Name == nameOrID {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("server %q not found", nameOrID)
}

// Add appends a server descriptor, assigning an ID when absent, and returns
// the stored copy.
func (c *Config) Add(server mcprobe.Server) (*mcprobe.Server, error) {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	for i := range c.Servers {
		if c.Servers[i].Name == server.Name {
			return nil, fmt.Errorf("duplicate server name %q", server.Name)
		}
	}

	c.Servers = append(c.Servers, server)
	if err := c.Validate(); err != nil {
		c.Servers = c.Servers[:len(c.Servers)-1]
		return nil, err
	}
	return &c.Servers[len(c.Servers)-1], nil
}

// Remove deletes the server whose ID or name matches, reporting whether one
// was removed.
func (c *Config) Remove(nameOrID string) bool {
	for i := range c.Servers {
		if c.Servers[i].ID == nameOrID || c.Servers[i].Name == nameOrID {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}
