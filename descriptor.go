package mcprobe

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Transport identifies how a configured server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportTCP   Transport = "tcp"
	TransportHTTP  Transport = "http"
)

// Valid reports whether t names a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportTCP, TransportHTTP:
		return true
	}
	return false
}

// ServerState is the connection lifecycle state of a server descriptor.
type ServerState string

const (
	StateDisconnected ServerState = "disconnected"
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateError        ServerState = "error"
)

// Server describes one configured MCP server: the transport-specific
// connection parameters plus the connection state the service records on it.
// Only the configuration fields persist; state fields are runtime-only.
type Server struct {
	ID        string    `json:"id" mapstructure:"id"`
	Name      string    `json:"name" mapstructure:"name"`
	Transport Transport `json:"transport" mapstructure:"transport"`

	// Stdio transport.
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`

	// TCP transport.
	Host string `json:"host,omitempty" mapstructure:"host"`
	Port int    `json:"port,omitempty" mapstructure:"port"`

	// HTTP transport.
	URL     string            `json:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// Roots are filesystem roots offered to the server, as paths or URIs.
	// When empty the service's default roots apply.
	Roots []string `json:"roots,omitempty" mapstructure:"roots"`

	// ToastNotifications controls whether server pushes should surface as
	// user-facing notifications.
	ToastNotifications bool `json:"toast_notifications" mapstructure:"toast_notifications"`

	State         ServerState `json:"-" mapstructure:"-"`
	Info          *ServerInfo `json:"-" mapstructure:"-"`
	LastConnected time.Time   `json:"-" mapstructure:"-"`
	Error         string      `json:"-" mapstructure:"-"`
}

// Address is a short human-readable rendering of the connection target.
func (s *Server) Address() string {
	switch s.Transport {
	case TransportStdio:
		if len(s.Args) == 0 {
			return s.Command
		}
		return s.Command + " " + strings.Join(s.Args, " ")
	case TransportTCP:
		return fmt.Sprintf("%s:%d", s.Host, s.Port)
	case TransportHTTP:
		return s.URL
	}
	return ""
}

// RootFromPath turns a configured root entry into a protocol Root. Entries
// without a URI scheme are treated as filesystem paths.
func RootFromPath(p string) Root {
	uri := p
	if !strings.Contains(p, "://") {
		uri = "file://" + p
	}
	return Root{URI: uri, Name: path.Base(strings.TrimSuffix(p, "/"))}
}

// RootsFromPaths maps RootFromPath over a configured root list.
func RootsFromPaths(paths []string) []Root {
	roots := make([]Root, 0, len(paths))
	for _, p := range paths {
		roots = append(roots, RootFromPath(p))
	}
	return roots
}
