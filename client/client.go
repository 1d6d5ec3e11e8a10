// Package client provides programmatic relay clients: a sender that speaks
// the /pocket-parrot protocol and read-only listeners for the fan-out
// endpoints. The load generator and the end-to-end tests are its consumers.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/jonmccon/pocket-parrot-sub000/internal/defaults"
	"github.com/jonmccon/pocket-parrot-sub000/pperrors"
	"github.com/jonmccon/pocket-parrot-sub000/realtime/ws"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// Options tunes relay client dialing. The zero value is usable.
type Options struct {
	Origin         string        // Optional Origin header value.
	ConnectTimeout time.Duration // Dial deadline when ctx has none.
	ReadLimit      int64         // Max inbound message bytes; 0 uses a 2 MiB default.
}

func (o Options) normalize() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaults.ConnectTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 2 << 20
	}
	return o
}

// conn is the shared transport state under Sender and Listener.
type conn struct {
	ws *ws.Conn

	mu     sync.Mutex
	closed bool
}

func dial(ctx context.Context, rawURL string, opts Options) (*conn, error) {
	opts = opts.normalize()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	var hdr map[string][]string
	if opts.Origin != "" {
		hdr = map[string][]string{"Origin": {opts.Origin}}
	}
	c, _, err := ws.Dial(ctx, rawURL, ws.DialOptions{Header: hdr})
	if err != nil {
		return nil, pperrors.Wrap(pperrors.SurfaceClient, pperrors.StageDial, pperrors.CodeDialFailed, err)
	}
	c.SetReadLimit(opts.ReadLimit)
	return &conn{ws: c}, nil
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.ws.WriteMessage(ctx, websocket.TextMessage, b)
}

// readEvent blocks for the next server message and decodes it.
func (c *conn) readEvent(ctx context.Context) (*Event, error) {
	for {
		mt, b, err := c.ws.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := ParseEvent(b)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.CloseWithStatus(websocket.CloseNormalClosure, "")
}
