package defaults

import "time"

const (
	// ConnectTimeout bounds the websocket dial when the caller's context
	// carries no deadline.
	ConnectTimeout = 10 * time.Second
	// HandshakeTimeout bounds a sender handshake waiting for its welcome.
	HandshakeTimeout = 10 * time.Second
)
