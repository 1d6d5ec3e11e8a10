package server

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// handleSenderMessage dispatches one inbound sender message. Data frames
// from non-active senders are rejected without a strike; malformed messages
// count toward the violation limit.
func (s *Server) handleSenderMessage(c *conn, raw []byte) {
	now := time.Now()
	in, err := protocol.ParseInboundWithConstraints(raw, protocol.FrameConstraints{
		MaxFrameBytes: s.cfg.MaxFrameBytes,
	})
	if err != nil {
		reason := protocol.RejectReason(err)
		s.obs.FrameRejected(reason)
		c.send(protocol.NewRejected(reason, now))
		s.dashboardBroadcast(protocol.NewErrorEvent("rejected sender frame: "+reason, now))
		if c.strike(now) {
			c.beginClose(websocket.ClosePolicyViolation, "protocol_error", observability.CloseReasonProtocolError)
		}
		return
	}
	switch in.Type {
	case protocol.TypeHandshake:
		s.handleHandshake(c, in.Handshake, now)
	case protocol.TypeData:
		s.handleDataFrame(c, in.Frame, now)
	case protocol.TypeDemote:
		s.demoteSender(c)
	default:
		// getStats and any future recognized type have no sender-side
		// behavior; answer with a rejection rather than closing.
		c.send(protocol.NewRejected(protocol.ReasonUnknownType, now))
	}
}

// handleHandshake stores the sender's labels and replies with welcome. A
// re-sent handshake updates the labels and re-issues welcome with the same
// id; it never creates a new session entry.
func (s *Server) handleHandshake(c *conn, h *protocol.Handshake, now time.Time) {
	c.setLabels(h.Username, h.DeviceID)
	c.send(protocol.NewWelcome(c.id, now))
	c.log.Debug().Str("username", h.Username).Str("deviceId", h.DeviceID).Msg("sender handshake")
}

// handleDataFrame runs the ingest pipeline for one accepted frame: update
// counters, dispatch the orientation fast path, forward the unsplit frame
// to passive listeners, enqueue the bulk remainder, invoke the ingest hook,
// and acknowledge. The orientation dispatch precedes the bulk enqueue so
// both derived messages leave in frame-receipt order.
func (s *Server) handleDataFrame(c *conn, f *protocol.SensorFrame, now time.Time) {
	if !s.isActiveSender(c.id) {
		s.obs.FrameRejected(protocol.ReasonNotActive)
		c.send(protocol.NewRejected(protocol.ReasonNotActive, now))
		return
	}
	c.dataCount.Add(1)
	c.markData(now)
	s.markActiveData(now)
	total := s.tel.frameAccepted()
	s.obs.FrameAccepted()

	username, _ := c.labels()
	orientation, bulk := protocol.Split(f, c.id, username)
	if orientation != nil {
		s.fanoutOrientation(orientation)
	}
	s.fanoutSensorData(c.id, username, f, now)
	if bulk != nil {
		s.batch.enqueue(*bulk)
	}
	if err := s.hook.Ingest(s.ctx, c.id, f); err != nil {
		s.obs.IngestHookError()
		s.log.Error().Err(err).Str("sender", c.id).Msg("ingest hook failed")
	}
	c.send(protocol.NewAck(f.ID, now))
	s.dashboardBroadcast(protocol.NewDataReceived(c.id, total, now))
}

// fanoutOrientation is the fast path: marshal once, snapshot the listener
// set, enqueue non-blocking to each. No queueing or coalescing beyond the
// per-connection write queue; slow listeners shed the oldest message.
func (s *Server) fanoutOrientation(msg *protocol.OrientationData) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal orientation message")
		return
	}
	listeners := s.reg.snapshot(protocol.RoleOrientationListener)
	for _, c := range listeners {
		c.enqueue(b)
	}
	s.obs.OrientationFanout(len(listeners))
}

// fanoutSensorData forwards the unsplit frame to passive listeners.
func (s *Server) fanoutSensorData(senderID, username string, f *protocol.SensorFrame, now time.Time) {
	listeners := s.reg.snapshot(protocol.RoleListener)
	if len(listeners) == 0 {
		return
	}
	b, err := json.Marshal(protocol.NewSensorData(senderID, username, f, now))
	if err != nil {
		s.log.Error().Err(err).Msg("marshal sensor data")
		return
	}
	for _, c := range listeners {
		c.enqueue(b)
	}
}

// handleDashboardMessage accepts getStats requests; anything else is a
// protocol violation that is logged and eventually closes the connection.
func (s *Server) handleDashboardMessage(c *conn, raw []byte) {
	now := time.Now()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Type == protocol.TypeGetStats {
		c.send(protocol.NewStatsMessage(s.snapshotStats(now), now))
		return
	}
	c.log.Debug().Msg("unexpected dashboard message")
	if c.strike(now) {
		c.beginClose(websocket.ClosePolicyViolation, "protocol_error", observability.CloseReasonProtocolError)
	}
}

// handleListenerMessage handles inbound text from read-only roles: there is
// no expected traffic, so every message is a violation.
func (s *Server) handleListenerMessage(c *conn, _ []byte) {
	c.log.Debug().Msg("unexpected message from read-only listener")
	if c.strike(time.Now()) {
		c.beginClose(websocket.ClosePolicyViolation, "protocol_error", observability.CloseReasonProtocolError)
	}
}
