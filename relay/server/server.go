// Package server implements the relay: a single-process websocket broker
// that ingests sensor frames from one active sender and fans them out to
// orientation listeners, bulk listeners, passive listeners, and dashboards
// with role-specific latency and back-pressure policies.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonmccon/pocket-parrot-sub000/internal/wsutil"
	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/realtime/ws"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
	"github.com/jonmccon/pocket-parrot-sub000/sink"
)

// Server is the relay. Create with New, install with Register, stop with
// Shutdown. All state is process-local and lost on exit.
type Server struct {
	cfg  Config
	log  zerolog.Logger
	obs  observability.RelayObserver
	hook sink.Hook

	reg   *registry
	sess  *session
	batch *batcher
	tel   *telemetry

	ctx    context.Context
	cancel context.CancelFunc

	accepting atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New validates the config and starts the background session, stats, and
// batcher loops. The returned server accepts connections once registered
// on a mux that is being served.
func New(cfg Config) (*Server, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "relay").Logger(),
		obs:    cfg.Observer,
		hook:   cfg.Hook,
		reg:    newRegistry(),
		sess:   &session{},
		tel:    &telemetry{startedAt: time.Now()},
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
	s.batch = newBatcher(s)
	s.accepting.Store(true)
	go s.batch.run()
	go s.sessionLoop()
	go s.statsLoop()
	return s, nil
}

// Register installs the five role endpoints, the unknown-path handler, and
// the health endpoint on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(protocol.PathSender, s.roleHandler(protocol.RoleSender))
	mux.HandleFunc(protocol.PathDashboard, s.roleHandler(protocol.RoleDashboard))
	mux.HandleFunc(protocol.PathListener, s.roleHandler(protocol.RoleListener))
	mux.HandleFunc(protocol.PathOrientation, s.roleHandler(protocol.RoleOrientationListener))
	mux.HandleFunc(protocol.PathBulk, s.roleHandler(protocol.RoleBulkListener))
	mux.HandleFunc("/", s.handleUnknownPath)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (s *Server) roleHandler(role protocol.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(w, r, role)
	}
}

// handleUnknownPath upgrades and immediately closes with a protocol error,
// so websocket clients see an application-level reason rather than a bare
// HTTP 404.
func (s *Server) handleUnknownPath(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: s.checkOrigin})
	if err != nil {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonUpgradeError)
		return
	}
	s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonUnknownPath)
	s.log.Debug().Str("path", r.URL.Path).Msg("unknown websocket path")
	_ = c.CloseWithStatus(websocket.ClosePolicyViolation, "unknown_path")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, role protocol.Role) {
	if !s.accepting.Load() {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonShuttingDown)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	wsc, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: s.checkOrigin})
	if err != nil {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonUpgradeError)
		return
	}
	c := s.newConn(wsc.Underlying(), uuid.NewString(), role, r.RemoteAddr)
	go c.writePump()

	now := time.Now()
	switch role {
	case protocol.RoleSender:
		s.admitSender(c)
	case protocol.RoleDashboard:
		s.reg.insert(c)
		s.obs.ConnCount(string(role), s.reg.count(role))
		c.send(protocol.NewStatsMessage(s.snapshotStats(now), now))
	case protocol.RoleListener:
		s.reg.insert(c)
		s.obs.ConnCount(string(role), s.reg.count(role))
		c.send(protocol.NewListenerConnected(now))
		c.send(protocol.NewStatsMessage(s.snapshotStats(now), now))
	case protocol.RoleOrientationListener:
		s.reg.insert(c)
		s.obs.ConnCount(string(role), s.reg.count(role))
		c.send(protocol.NewOrientationListenerConnected(now))
	case protocol.RoleBulkListener:
		s.reg.insert(c)
		s.obs.ConnCount(string(role), s.reg.count(role))
		c.send(protocol.NewBulkListenerConnected(s.cfg.BatchInterval, s.cfg.MaxBatchSize, now))
		s.batch.setListeners(s.reg.count(protocol.RoleBulkListener))
	}
	s.obs.Accept(observability.AcceptResultOK, observability.AcceptReasonOK)
	c.log.Debug().Str("remote", c.remote).Msg("connection open")

	s.readLoop(c)
}

// readLoop drives the connection until the transport dies, then runs the
// disconnect handler. It runs on the HTTP handler goroutine.
func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(wsutil.ReadLimit(s.cfg.MaxFrameBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			s.dropConn(c, observability.CloseReasonPeerClosed)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if mt != websocket.TextMessage {
			if c.strike(time.Now()) {
				c.beginClose(websocket.ClosePolicyViolation, "protocol_error", observability.CloseReasonProtocolError)
			}
			continue
		}
		switch c.role {
		case protocol.RoleSender:
			s.handleSenderMessage(c, raw)
		case protocol.RoleDashboard:
			s.handleDashboardMessage(c, raw)
		default:
			s.handleListenerMessage(c, raw)
		}
	}
}

// dropConn removes the connection from the registry and runs role-specific
// disconnect work exactly once; later calls only ensure the transport is
// closed.
func (s *Server) dropConn(c *conn, reason observability.CloseReason) {
	c.beginClose(websocket.CloseNormalClosure, "", reason)
	if _, ok := s.reg.remove(c.id); !ok {
		return
	}
	s.obs.ConnCount(string(c.role), s.reg.count(c.role))
	now := time.Now()
	switch c.role {
	case protocol.RoleSender:
		s.senderLeft(c, now)
	case protocol.RoleBulkListener:
		s.batch.setListeners(s.reg.count(protocol.RoleBulkListener))
		s.broadcastStats(now)
	default:
		s.broadcastStats(now)
	}
	c.log.Debug().Str("reason", string(reason)).Msg("connection closed")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return ws.IsOriginAllowed(r, s.cfg.AllowedOrigins, s.cfg.AllowNoOrigin)
}

// Shutdown drains the relay: stop accepting, stop the background loops,
// flush the bulk queue to the remaining bulk listeners, announce
// server_shutdown on every connection, and close all transports. Writers
// flush their queues until ctx is done; stragglers are force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.accepting.Store(false)
		close(s.stopCh)
		s.log.Info().Msg("shutting down")

		s.batch.shutdown()
		s.batch.drain()

		now := time.Now()
		all := s.reg.all()
		for _, c := range all {
			c.send(protocol.NewServerShutdown(now))
			c.beginClose(websocket.CloseGoingAway, "server_shutdown", observability.CloseReasonServerShutdown)
		}
		for _, c := range all {
			select {
			case <-c.done:
			case <-ctx.Done():
				_ = c.ws.Close()
			}
			s.reg.remove(c.id)
		}
		s.cancel()
		if err := s.hook.Close(); err != nil {
			s.log.Error().Err(err).Msg("close ingest hook")
		}
		s.log.Info().Msg("shutdown complete")
	})
	return ctx.Err()
}

// Close shuts the relay down with the configured drain deadline.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline)
	defer cancel()
	_ = s.Shutdown(ctx)
}
