// Package ws wraps gorilla/websocket with context-aware reads and writes.
// gorilla only unblocks an in-flight Read/Write through socket deadlines, so
// the wrapper arms a deadline from the context and translates the resulting
// i/o timeout back into the context error.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteBudget = 2 * time.Second

// Conn is a websocket connection whose blocking operations honor a
// context.Context.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions tunes the server-side upgrade.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade turns an HTTP request into a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions tunes the client-side handshake.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection. When ctx carries a deadline tighter
// than the dialer's handshake timeout, the deadline wins.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > remaining {
			d.HandshakeTimeout = remaining
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit caps inbound message size in bytes.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// armDeadline applies the context deadline to setDeadline and schedules a
// deadline-now poke on cancellation so a blocked call wakes up. The returned
// release must run before inspecting the operation's error.
func armDeadline(ctx context.Context, setDeadline func(time.Time) error) (release func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = setDeadline(deadline)
	} else {
		_ = setDeadline(time.Time{})
	}
	if ctx.Done() == nil {
		return func() {}
	}
	var armed atomic.Bool
	armed.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if armed.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		armed.Store(false)
		stop()
	}
}

// ctxError rewrites an i/o timeout caused by armDeadline into the context
// error. The socket deadline can fire a hair before the context timer, so a
// passed deadline also maps to DeadlineExceeded.
func ctxError(ctx context.Context, err error) error {
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// ReadMessage blocks for the next frame, honoring ctx.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	release := armDeadline(ctx, c.c.SetReadDeadline)
	mt, b, err := c.c.ReadMessage()
	release()
	if err != nil {
		return 0, nil, ctxError(ctx, err)
	}
	return mt, b, nil
}

// WriteMessage writes one frame, honoring ctx.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := armDeadline(ctx, c.c.SetWriteDeadline)
	err := c.c.WriteMessage(messageType, data)
	release()
	if err != nil {
		return ctxError(ctx, err)
	}
	return nil
}

// Close tears the connection down without a close frame.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a best-effort close frame, then closes.
func (c *Conn) CloseWithStatus(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteBudget))
	return c.c.Close()
}

// Underlying returns the wrapped gorilla connection for callers that manage
// deadlines and control frames themselves.
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
