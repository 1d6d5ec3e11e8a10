package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// session is the process-wide sender state: at most one active sender plus
// a FIFO promotion queue of observer ids. It stores connection ids only;
// transports are looked up in the registry. All transitions run under mu
// with control-message effects applied after unlock, so send latency never
// extends the critical section.
type session struct {
	mu        sync.Mutex
	activeID  string
	observers []string
	lastData  time.Time // Last accepted data frame from the active sender.
}

// senderState returns the active id and a copy of the observer queue.
func (s *Server) senderState() (string, []string) {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	obs := make([]string, len(s.sess.observers))
	copy(obs, s.sess.observers)
	return s.sess.activeID, obs
}

func (s *Server) isActiveSender(id string) bool {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return s.sess.activeID == id
}

func (s *Server) markActiveData(now time.Time) {
	s.sess.mu.Lock()
	s.sess.lastData = now
	s.sess.mu.Unlock()
}

// admitSender enforces the admission bound and assigns the sender role.
// At capacity the sender with the earliest connect time is evicted first,
// so the bound holds by the time the accept handler returns. An evicted
// active sender vacates the slot for the standard head-observer promotion.
func (s *Server) admitSender(c *conn) {
	now := time.Now()
	var victims []*conn
	var promotedHead *conn
	activatedNew := false
	position := 0

	s.sess.mu.Lock()
	for {
		senders := s.reg.snapshot(protocol.RoleSender)
		if len(senders) < s.cfg.MaxSenders {
			break
		}
		victim := oldestConn(senders)
		if victim == nil {
			break
		}
		s.reg.remove(victim.id)
		if s.sess.activeID == victim.id {
			s.sess.activeID = ""
		} else {
			s.sess.observers = removeID(s.sess.observers, victim.id)
		}
		victims = append(victims, victim)
	}
	if s.sess.activeID == "" {
		promotedHead = s.popLivePromotableLocked(now)
	}
	s.reg.insert(c)
	if s.sess.activeID == "" {
		s.sess.activeID = c.id
		s.sess.lastData = now
		activatedNew = true
	} else {
		s.sess.observers = append(s.sess.observers, c.id)
		position = len(s.sess.observers) - 1
	}
	activeID := s.sess.activeID
	s.sess.mu.Unlock()

	s.obs.ConnCount(string(protocol.RoleSender), s.reg.count(protocol.RoleSender))
	for _, v := range victims {
		s.obs.Session(observability.SessionEventEvicted)
		v.send(protocol.NewEvicted(now))
		v.beginClose(websocket.ClosePolicyViolation, "evicted", observability.CloseReasonEvicted)
		username, _ := v.labels()
		s.dashboardBroadcast(protocol.NewUserDisconnected(v.id, username, s.reg.count(protocol.RoleSender), now))
		v.log.Info().Msg("sender evicted at capacity")
	}
	if promotedHead != nil {
		s.obs.Session(observability.SessionEventPromoted)
		promotedHead.send(protocol.NewPromoted(now))
	}
	if activatedNew {
		s.obs.Session(observability.SessionEventActivated)
		c.send(protocol.NewPromoted(now))
	} else {
		s.obs.Session(observability.SessionEventObserver)
		c.send(protocol.NewObserverMode(position, now))
	}
	if promotedHead != nil || activatedNew {
		s.broadcastSenderChanged(activeID, now)
	}
	username, _ := c.labels()
	s.dashboardBroadcast(protocol.NewUserConnected(c.id, username, s.reg.count(protocol.RoleSender), now))
	s.broadcastStats(now)
	c.log.Info().Bool("active", activatedNew).Msg("sender admitted")
}

// senderLeft runs the session transition after a sender's registry entry is
// gone: promote the head observer on active loss, or drop the observer.
func (s *Server) senderLeft(c *conn, now time.Time) {
	var promoted *conn
	s.sess.mu.Lock()
	if s.sess.activeID == c.id {
		s.sess.activeID = ""
		promoted = s.popLivePromotableLocked(now)
	} else {
		s.sess.observers = removeID(s.sess.observers, c.id)
	}
	activeID := s.sess.activeID
	s.sess.mu.Unlock()

	if promoted != nil {
		s.obs.Session(observability.SessionEventPromoted)
		promoted.send(protocol.NewPromoted(now))
		s.broadcastSenderChanged(activeID, now)
	}
	username, _ := c.labels()
	s.dashboardBroadcast(protocol.NewUserDisconnected(c.id, username, s.reg.count(protocol.RoleSender), now))
	s.broadcastStats(now)
}

// demoteSender handles the explicit demote command from the active sender:
// it re-enters the observer queue at the tail and the head is promoted. A
// sole sender is promoted straight back.
func (s *Server) demoteSender(c *conn) {
	now := time.Now()
	s.sess.mu.Lock()
	if s.sess.activeID != c.id {
		s.sess.mu.Unlock()
		c.send(protocol.NewRejected(protocol.ReasonNotActive, now))
		return
	}
	s.sess.observers = append(s.sess.observers, c.id)
	s.sess.activeID = ""
	promoted := s.popLivePromotableLocked(now)
	position := indexOf(s.sess.observers, c.id)
	activeID := s.sess.activeID
	s.sess.mu.Unlock()

	s.obs.Session(observability.SessionEventDemoted)
	if position >= 0 {
		c.send(protocol.NewObserverMode(position, now))
	}
	if promoted != nil {
		s.obs.Session(observability.SessionEventPromoted)
		promoted.send(protocol.NewPromoted(now))
		s.broadcastSenderChanged(activeID, now)
	}
	s.broadcastStats(now)
	c.log.Info().Msg("sender demoted on request")
}

// popLivePromotableLocked pops observer ids until one maps to a live
// connection, installs it as active, and returns it. Caller holds sess.mu.
func (s *Server) popLivePromotableLocked(now time.Time) *conn {
	for len(s.sess.observers) > 0 {
		head := s.sess.observers[0]
		s.sess.observers = s.sess.observers[1:]
		if c, ok := s.reg.get(head); ok {
			s.sess.activeID = head
			s.sess.lastData = now
			return c
		}
	}
	return nil
}

// broadcastSenderChanged notifies every sender except the new active one.
func (s *Server) broadcastSenderChanged(newActiveID string, now time.Time) {
	msg := protocol.NewSenderChanged(newActiveID, now)
	for _, peer := range s.reg.snapshot(protocol.RoleSender) {
		if peer.id == newActiveID {
			continue
		}
		peer.send(msg)
	}
}

// checkSenderTimeout closes the active sender once it has been silent
// beyond SenderTimeout. Observers are exempt: they hold no data stream, and
// transport liveness is covered by ping/pong.
func (s *Server) checkSenderTimeout(now time.Time) {
	s.sess.mu.Lock()
	id := s.sess.activeID
	expired := id != "" && now.Sub(s.sess.lastData) > s.cfg.SenderTimeout
	s.sess.mu.Unlock()
	if !expired {
		return
	}
	c, ok := s.reg.get(id)
	if !ok {
		return
	}
	s.obs.Session(observability.SessionEventTimeout)
	c.log.Info().Msg("active sender timed out")
	c.beginClose(websocket.CloseGoingAway, "sender_timeout", observability.CloseReasonSenderTimeout)
	s.dropConn(c, observability.CloseReasonSenderTimeout)
}

func (s *Server) sessionLoop() {
	t := time.NewTicker(s.cfg.SessionTick)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.checkSenderTimeout(time.Now())
		}
	}
}

func oldestConn(conns []*conn) *conn {
	var oldest *conn
	for _, c := range conns {
		if oldest == nil || c.joinedAt.Before(oldest.joinedAt) {
			oldest = c
		}
	}
	return oldest
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
