package server

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// telemetry keeps the relay's counters. totalPoints is monotonic for the
// process lifetime; ratePoints counts frames in the current stats window
// and is reset by the periodic tick.
type telemetry struct {
	startedAt   time.Time
	totalPoints atomic.Int64
	ratePoints  atomic.Int64
}

func (t *telemetry) frameAccepted() int64 {
	t.ratePoints.Add(1)
	return t.totalPoints.Add(1)
}

// Stats returns the relay's point-in-time snapshot, as pushed to dashboards
// and passive listeners. The active sender is listed first, then observers
// in promotion order.
func (s *Server) Stats() protocol.StatsSnapshot {
	return s.snapshotStats(time.Now())
}

func (s *Server) snapshotStats(now time.Time) protocol.StatsSnapshot {
	activeID, observers := s.senderState()
	ids := make([]string, 0, len(observers)+1)
	if activeID != "" {
		ids = append(ids, activeID)
	}
	ids = append(ids, observers...)
	users := make([]protocol.UserStat, 0, len(ids))
	for _, id := range ids {
		c, ok := s.reg.get(id)
		if !ok {
			continue
		}
		username, _ := c.labels()
		u := protocol.UserStat{
			ID:          c.id,
			ConnectedAt: protocol.Timestamp(c.joinedAt),
			DataCount:   c.dataCount.Load(),
			Username:    username,
		}
		if last := c.lastData(); !last.IsZero() {
			u.LastData = protocol.Timestamp(last)
		}
		users = append(users, u)
	}
	return protocol.StatsSnapshot{
		ActiveUsers:          s.reg.count(protocol.RoleSender),
		MaxUsers:             s.cfg.MaxSenders,
		OrientationListeners: s.reg.count(protocol.RoleOrientationListener),
		BulkDataListeners:    s.reg.count(protocol.RoleBulkListener),
		PassiveListeners:     s.reg.count(protocol.RoleListener),
		Dashboards:           s.reg.count(protocol.RoleDashboard),
		TotalDataPoints:      s.tel.totalPoints.Load(),
		DataRatePerMinute:    s.tel.ratePoints.Load(),
		BulkQueueSize:        s.batch.len(),
		UptimeSeconds:        int64(now.Sub(s.tel.startedAt) / time.Second),
		Users:                users,
	}
}

// broadcastStats pushes a fresh snapshot to every dashboard and passive
// listener registered at this moment.
func (s *Server) broadcastStats(now time.Time) {
	msg := protocol.NewStatsMessage(s.snapshotStats(now), now)
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal stats")
		return
	}
	for _, c := range s.reg.snapshot(protocol.RoleDashboard) {
		c.enqueue(b)
	}
	for _, c := range s.reg.snapshot(protocol.RoleListener) {
		c.enqueue(b)
	}
	s.obs.StatsBroadcast()
}

// dashboardBroadcast sends one event to every dashboard.
func (s *Server) dashboardBroadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal dashboard event")
		return
	}
	for _, c := range s.reg.snapshot(protocol.RoleDashboard) {
		c.enqueue(b)
	}
}

// statsLoop resets the rolling rate counter and rebroadcasts stats on each
// window tick.
func (s *Server) statsLoop() {
	t := time.NewTicker(s.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.broadcastStats(time.Now())
			s.tel.ratePoints.Store(0)
		}
	}
}
