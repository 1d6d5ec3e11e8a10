package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonmccon/pocket-parrot-sub000/internal/defaults"
	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// conn is one live websocket connection. All writes go through the bounded
// out queue and are drained serially by writePump, so per-connection send
// order equals enqueue order without serializing the server.
type conn struct {
	id       string
	role     protocol.Role
	remote   string
	joinedAt time.Time

	ws  *websocket.Conn
	srv *Server
	log zerolog.Logger

	out     chan []byte
	closing chan struct{} // Closed once a close is initiated.
	done    chan struct{} // Closed when writePump exits.

	closeOnce sync.Once
	closeCode int
	closeText string

	dataCount atomic.Int64 // Accepted data frames (senders).
	dropped   atomic.Int64 // Newest-wins drops (orientation listeners).

	mu         sync.Mutex
	username   string
	deviceID   string
	lastDataAt time.Time
	fullSince  time.Time   // First failed enqueue of the current full spell.
	strikes    []time.Time // Protocol violation times within the rolling window.
}

func (s *Server) newConn(ws *websocket.Conn, id string, role protocol.Role, remote string) *conn {
	c := &conn{
		id:       id,
		role:     role,
		remote:   remote,
		joinedAt: time.Now(),
		ws:       ws,
		srv:      s,
		out:      make(chan []byte, s.cfg.WriteQueueCap),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.log = s.log.With().Str("conn", id).Str("role", string(role)).Logger()
	return c
}

func (c *conn) labels() (username, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username, c.deviceID
}

func (c *conn) setLabels(username, deviceID string) {
	c.mu.Lock()
	c.username = username
	c.deviceID = deviceID
	c.mu.Unlock()
}

func (c *conn) lastData() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDataAt
}

func (c *conn) markData(now time.Time) {
	c.mu.Lock()
	c.lastDataAt = now
	c.mu.Unlock()
}

// strike records one protocol violation and reports whether the connection
// crossed the strike limit within the rolling window.
func (c *conn) strike(now time.Time) bool {
	window := c.srv.cfg.ViolationWindow
	limit := c.srv.cfg.ViolationStrikes
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.strikes[:0]
	for _, t := range c.strikes {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	c.strikes = append(kept, now)
	return len(c.strikes) >= limit
}

// send marshals v and enqueues it under the role's back-pressure policy.
// Failures are local to this connection.
func (c *conn) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound message")
		return
	}
	c.enqueue(b)
}

// enqueue is non-blocking except for senders, which may block up to
// ControlSendDeadline. A full queue is handled per role: orientation
// listeners drop the oldest queued message (newest wins), other listener
// roles are closed once the queue has stayed full beyond
// SlowConsumerDeadline, senders are closed after the blocking deadline.
func (c *conn) enqueue(b []byte) {
	select {
	case <-c.closing:
		return
	default:
	}
	switch c.role {
	case protocol.RoleSender:
		select {
		case c.out <- b:
			return
		default:
		}
		t := time.NewTimer(c.srv.cfg.ControlSendDeadline)
		defer t.Stop()
		select {
		case c.out <- b:
		case <-c.closing:
		case <-t.C:
			c.beginClose(websocket.ClosePolicyViolation, "slow_control_channel", observability.CloseReasonSlowControlChannel)
		}
	case protocol.RoleOrientationListener:
		for {
			select {
			case c.out <- b:
				return
			default:
			}
			select {
			case <-c.out:
				c.dropped.Add(1)
				c.srv.obs.OrientationDropped()
			default:
			}
		}
	default:
		select {
		case c.out <- b:
			c.mu.Lock()
			c.fullSince = time.Time{}
			c.mu.Unlock()
		default:
			now := time.Now()
			c.mu.Lock()
			if c.fullSince.IsZero() {
				c.fullSince = now
			}
			stalled := now.Sub(c.fullSince) > c.srv.cfg.SlowConsumerDeadline
			c.mu.Unlock()
			if stalled {
				c.beginClose(websocket.ClosePolicyViolation, "slow_consumer", observability.CloseReasonSlowConsumer)
			}
		}
	}
}

// beginClose initiates a close exactly once. writePump observes the closing
// signal, flushes the queue up to DrainDeadline, and closes the transport;
// the read loop then unblocks and runs disconnect cleanup.
func (c *conn) beginClose(code int, text string, reason observability.CloseReason) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.srv.obs.Close(reason)
		c.log.Debug().Str("reason", string(reason)).Msg("closing connection")
		close(c.closing)
	})
}

func (c *conn) writeMessage(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// writePump drains the write queue serially and keeps the transport alive
// with pings at 9/10 of the pong wait.
func (c *conn) writePump() {
	defer close(c.done)
	ping := time.NewTicker(defaults.PingInterval(c.srv.cfg.PongWait))
	defer ping.Stop()
	for {
		select {
		case b := <-c.out:
			if err := c.writeMessage(b); err != nil {
				c.beginClose(websocket.CloseAbnormalClosure, "write_error", observability.CloseReasonWriteError)
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.srv.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.beginClose(websocket.CloseAbnormalClosure, "write_error", observability.CloseReasonWriteError)
				_ = c.ws.Close()
				return
			}
		case <-c.closing:
			c.drainAndClose()
			return
		}
	}
}

func (c *conn) drainAndClose() {
	deadline := time.Now().Add(c.srv.cfg.DrainDeadline)
	for flushed := false; !flushed; {
		select {
		case b := <-c.out:
			if time.Now().After(deadline) {
				flushed = true
				break
			}
			if err := c.writeMessage(b); err != nil {
				flushed = true
			}
		default:
			flushed = true
		}
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}
