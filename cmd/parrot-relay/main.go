// Command parrot-relay runs the sensor relay server: one process bridging
// Pocket Parrot senders to dashboards, passive listeners, the orientation
// fast path, and batched bulk consumers.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonmccon/pocket-parrot-sub000/internal/cmdutil"
	ppversion "github.com/jonmccon/pocket-parrot-sub000/internal/version"
	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/observability/prom"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
	"github.com/jonmccon/pocket-parrot-sub000/relay/server"
	"github.com/jonmccon/pocket-parrot-sub000/sink/forward"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicRelayObserver
	srv      *server.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicRelayObserver, srv *server.Server) *metricsController {
	return &metricsController{
		handler:  handler,
		observer: observer,
		srv:      srv,
	}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewRelayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	// Seed the sender gauge so a freshly enabled scrape does not start at zero.
	stats := c.srv.Stats()
	relayObs.ConnCount(string(protocol.RoleSender), stats.ActiveUsers)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopRelayObserver)
	c.enabled = false
}

func validateTLSFiles(certFile string, keyFile string) error {
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("tls requires both --tls-cert-file and --tls-key-file")
	}
	return nil
}

type ready struct {
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Date           string `json:"date"`
	Listen         string `json:"listen"`
	AdvertiseHost  string `json:"advertise_host,omitempty"`
	SenderURL      string `json:"sender_url"`
	DashboardURL   string `json:"dashboard_url"`
	ListenerURL    string `json:"listener_url"`
	OrientationURL string `json:"orientation_url"`
	BulkURL        string `json:"bulk_url"`
	HealthzURL     string `json:"healthz_url"`
	MetricsURL     string `json:"metrics_url,omitempty"`
	ForwardAddr    string `json:"forward_addr,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := server.DefaultConfig()

	port := cmdutil.EnvString("PORT", "8080")
	listen := cmdutil.EnvString("LISTEN", ":"+port)
	advertiseHost := cmdutil.EnvString("ADVERTISE_HOST", "")
	metricsListen := cmdutil.EnvString("METRICS_LISTEN", "")
	tlsCertFile := cmdutil.EnvString("TLS_CERT_FILE", "")
	tlsKeyFile := cmdutil.EnvString("TLS_KEY_FILE", "")
	forwardAddr := cmdutil.EnvString("FORWARD_ADDR", "")

	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("ALLOW_ORIGIN"))

	allowNoOrigin, err := cmdutil.EnvBool("ALLOW_NO_ORIGIN", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	maxSenders, err := cmdutil.EnvInt("MAX_SENDERS", cfg.MaxSenders)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MAX_SENDERS: %v\n", err)
		return 2
	}
	senderTimeout, err := cmdutil.EnvDuration("SENDER_TIMEOUT", cfg.SenderTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid SENDER_TIMEOUT: %v\n", err)
		return 2
	}
	batchInterval, err := cmdutil.EnvDuration("BATCH_INTERVAL", cfg.BatchInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid BATCH_INTERVAL: %v\n", err)
		return 2
	}
	maxBatchSize, err := cmdutil.EnvInt("MAX_BATCH_SIZE", cfg.MaxBatchSize)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MAX_BATCH_SIZE: %v\n", err)
		return 2
	}
	writeQueueCap, err := cmdutil.EnvInt("WRITE_QUEUE_CAP", cfg.WriteQueueCap)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WRITE_QUEUE_CAP: %v\n", err)
		return 2
	}
	slowConsumerDeadline, err := cmdutil.EnvDuration("SLOW_CONSUMER_DEADLINE", cfg.SlowConsumerDeadline)
	if err != nil {
		fmt.Fprintf(stderr, "invalid SLOW_CONSUMER_DEADLINE: %v\n", err)
		return 2
	}
	drainDeadline, err := cmdutil.EnvDuration("DRAIN_DEADLINE", cfg.DrainDeadline)
	if err != nil {
		fmt.Fprintf(stderr, "invalid DRAIN_DEADLINE: %v\n", err)
		return 2
	}
	statsInterval, err := cmdutil.EnvDuration("STATS_INTERVAL", cfg.StatsInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid STATS_INTERVAL: %v\n", err)
		return 2
	}
	maxFrameBytes, err := cmdutil.EnvInt("MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	if err != nil {
		fmt.Fprintf(stderr, "invalid MAX_FRAME_BYTES: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("parrot-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	logPretty := false
	logLevel := cmdutil.EnvString("LOG_LEVEL", "info")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: LISTEN, or PORT for the port alone)")
	fs.StringVar(&advertiseHost, "advertise-host", advertiseHost, "public host[:port] for ready URLs (optional; avoids ws://0.0.0.0) (env: ADVERTISE_HOST)")
	fs.IntVar(&maxSenders, "max-senders", maxSenders, "sender capacity before oldest-first eviction (env: MAX_SENDERS)")
	fs.DurationVar(&senderTimeout, "sender-timeout", senderTimeout, "active sender inactivity deadline (env: SENDER_TIMEOUT)")
	fs.DurationVar(&batchInterval, "batch-interval", batchInterval, "bulk batch time trigger (env: BATCH_INTERVAL)")
	fs.IntVar(&maxBatchSize, "max-batch-size", maxBatchSize, "bulk batch size trigger and per-batch cap (env: MAX_BATCH_SIZE)")
	fs.IntVar(&writeQueueCap, "write-queue-cap", writeQueueCap, "per-connection write queue capacity in messages (env: WRITE_QUEUE_CAP)")
	fs.DurationVar(&slowConsumerDeadline, "slow-consumer-deadline", slowConsumerDeadline, "close listeners whose queue stays full this long (env: SLOW_CONSUMER_DEADLINE)")
	fs.DurationVar(&drainDeadline, "drain-deadline", drainDeadline, "write queue flush budget on close and shutdown (env: DRAIN_DEADLINE)")
	fs.DurationVar(&statsInterval, "stats-interval", statsInterval, "stats broadcast and rate reset cadence (env: STATS_INTERVAL)")
	fs.IntVar(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "max inbound message size in bytes (env: MAX_FRAME_BYTES)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable; empty allows any): full Origin, hostname, hostname:port, or wildcard hostname (*.example.com) (env: ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without Origin header (non-browser clients) (env: ALLOW_NO_ORIGIN)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: METRICS_LISTEN)")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "enable TLS with the given certificate file (default: disabled) (env: TLS_CERT_FILE)")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "enable TLS with the given private key file (default: disabled) (env: TLS_KEY_FILE)")
	fs.StringVar(&forwardAddr, "forward-addr", forwardAddr, "downstream host:port to stream accepted frames to (empty disables) (env: FORWARD_ADDR)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error (env: LOG_LEVEL)")
	fs.BoolVar(&logPretty, "log-pretty", logPretty, "human-friendly console log output")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printSignalHelp(stderr)
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, ppversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	if err := validateTLSFiles(tlsCertFile, tlsKeyFile); err != nil {
		return usageErr(err.Error())
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel)))
	if err != nil {
		return usageErr(fmt.Sprintf("invalid --log-level: %v", err))
	}
	var logOut io.Writer = stderr
	if logPretty {
		logOut = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(logOut).Level(level).With().Timestamp().Str("service", "parrot-relay").Logger()

	observer := observability.NewAtomicRelayObserver()
	cfg.Observer = observer
	cfg.Logger = logger
	cfg.MaxSenders = maxSenders
	cfg.SenderTimeout = senderTimeout
	cfg.BatchInterval = batchInterval
	cfg.MaxBatchSize = maxBatchSize
	cfg.WriteQueueCap = writeQueueCap
	cfg.SlowConsumerDeadline = slowConsumerDeadline
	cfg.DrainDeadline = drainDeadline
	cfg.StatsInterval = statsInterval
	cfg.MaxFrameBytes = maxFrameBytes
	cfg.AllowedOrigins = allowedOrigins
	cfg.AllowNoOrigin = allowNoOrigin

	if forwardAddr != "" {
		fwdCfg := forward.DefaultConfig()
		fwdCfg.Addr = forwardAddr
		fwdCfg.Logger = logger
		fwd, err := forward.New(fwdCfg)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		cfg.Hook = fwd
	}

	s, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer s.Close()

	mux := http.NewServeMux()
	s.Register(mux)

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, s)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		if tlsCertFile != "" {
			if metricsSrv.TLSConfig == nil {
				metricsSrv.TLSConfig = &tls.Config{}
			}
			if metricsSrv.TLSConfig.MinVersion == 0 {
				metricsSrv.TLSConfig.MinVersion = tls.VersionTLS12
			}
		}
		go func() {
			var err error
			if tlsCertFile != "" {
				err = metricsSrv.ServeTLS(metricsLn, tlsCertFile, tlsKeyFile)
			} else {
				err = metricsSrv.Serve(metricsLn)
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("metrics server")
			}
		}()
	}

	// Bind to the listen address and serve HTTP/WebSocket traffic.
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := newHTTPServer(mux)
	if tlsCertFile != "" {
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		// TLS is optional and disabled by default. When enabled, enforce a conservative minimum version.
		if srv.TLSConfig.MinVersion == 0 {
			srv.TLSConfig.MinVersion = tls.VersionTLS12
		}
	}

	go func() {
		var err error
		if tlsCertFile != "" {
			err = srv.ServeTLS(ln, tlsCertFile, tlsKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("relay server")
		}
	}()

	wsScheme := "ws"
	httpScheme := "http"
	metricsScheme := "http"
	if tlsCertFile != "" {
		wsScheme = "wss"
		httpScheme = "https"
		metricsScheme = "https"
	}
	bindAddr := ln.Addr().String()
	advMainHostPort, advHostOnly, advWasSet, err := resolveAdvertiseHost(bindAddr, advertiseHost)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	wsBase := wsScheme + "://" + advMainHostPort
	out := ready{
		Version:        version,
		Commit:         commit,
		Date:           date,
		Listen:         bindAddr,
		SenderURL:      wsBase + protocol.PathSender,
		DashboardURL:   wsBase + protocol.PathDashboard,
		ListenerURL:    wsBase + protocol.PathListener,
		OrientationURL: wsBase + protocol.PathOrientation,
		BulkURL:        wsBase + protocol.PathBulk,
		HealthzURL:     httpScheme + "://" + advMainHostPort + "/healthz",
		ForwardAddr:    forwardAddr,
	}
	if advWasSet {
		out.AdvertiseHost = advertiseHost
	}
	if metricsLn != nil {
		metricsAddr := metricsLn.Addr().String()
		out.MetricsURL = metricsScheme + "://" + metricsAddr + "/metrics"
		if advWasSet {
			if _, port, err := net.SplitHostPort(metricsAddr); err == nil {
				out.MetricsURL = metricsScheme + "://" + net.JoinHostPort(advHostOnly, port) + "/metrics"
			}
		}
	}
	_ = json.NewEncoder(stdout).Encode(out)
	logger.Info().Str("listen", bindAddr).Int("max_senders", maxSenders).Msg("relay ready")

	// Handle metric toggles and shutdowns.
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		got := <-sig
		if handleSignal(got, logger, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
		_ = s.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		return 0
	}
}

func resolveAdvertiseHost(bindHostPort string, advertiseHost string) (mainHostPort string, hostOnly string, wasSet bool, err error) {
	bindHost, bindPort, err := net.SplitHostPort(bindHostPort)
	if err != nil {
		return "", "", false, err
	}
	if strings.TrimSpace(advertiseHost) == "" {
		return bindHostPort, bindHost, false, nil
	}
	raw := strings.TrimSpace(advertiseHost)
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", true, fmt.Errorf("invalid advertise host: %w", err)
		}
		if u.Host == "" {
			return "", "", true, errors.New("invalid advertise host: missing host")
		}
		raw = u.Host
	}
	hostOnly = raw
	if h, p, err := net.SplitHostPort(raw); err == nil {
		return net.JoinHostPort(h, p), h, true, nil
	}
	hostOnly = strings.TrimSuffix(strings.TrimPrefix(hostOnly, "["), "]")
	return net.JoinHostPort(hostOnly, bindPort), hostOnly, true, nil
}
