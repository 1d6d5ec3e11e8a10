// Package yamux pins the project's stream-multiplexing defaults on top of
// hashicorp/yamux.
package yamux

import (
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// DefaultConfig returns the session config used when callers pass nil:
// upstream defaults with a calmer keepalive and the stderr logger silenced.
func DefaultConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 15 * time.Second
	cfg.LogOutput = io.Discard
	return cfg
}

// NewClient wraps conn in a client-side session.
func NewClient(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return yamux.Client(conn, cfg)
}

// NewServer wraps conn in a server-side session.
func NewServer(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return yamux.Server(conn, cfg)
}
