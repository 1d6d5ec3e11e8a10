// Command parrot-loadgen drives synthetic senders and listeners against a
// relay and reports connection, ack, and fan-out statistics as JSON. With
// no --target it starts an in-process relay on a loopback port, so a single
// invocation exercises the full path.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonmccon/pocket-parrot-sub000/client"
	"github.com/jonmccon/pocket-parrot-sub000/internal/cmdutil"
	"github.com/jonmccon/pocket-parrot-sub000/origin"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
	"github.com/jonmccon/pocket-parrot-sub000/relay/server"
)

type loadConfig struct {
	target   string
	senders  int
	rate     int
	duration time.Duration

	listeners    int
	orientation  int
	bulk         int
	dashboards   int
	statsPeriod  time.Duration
	bulkEveryNth int

	connTimeout    time.Duration
	ackTimeout     time.Duration
	reportInterval time.Duration
	originOverride string

	outFile   string
	overwrite bool
	pretty    bool

	maxSenders    int
	batchInterval time.Duration
	maxBatchSize  int
	senderTimeout time.Duration
}

type connMetrics struct {
	wsOpen     time.Duration
	welcome    time.Duration
	acks       []int64
	sent       int
	acked      int
	notActive  int
	completeAt time.Time
	errStage   string
}

type statsCollector struct {
	mu        sync.Mutex
	startedAt time.Time
	attempts  int
	success   int
	failure   int
	failures  map[string]int
	perSecond map[int64]int

	sent      int
	acked     int
	notActive int

	wsOpen  []int64
	welcome []int64
	ack     []int64
}

type latencyStats struct {
	Count  int     `json:"count"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

type resourceStats struct {
	MaxHeapAlloc  uint64 `json:"max_heap_alloc_bytes"`
	MaxHeapInuse  uint64 `json:"max_heap_inuse_bytes"`
	MaxSysBytes   uint64 `json:"max_sys_bytes"`
	MaxGoroutines int    `json:"max_goroutines"`
}

// fanoutCounters tracks what the listener side actually received.
type fanoutCounters struct {
	sensorData   atomic.Int64
	orientation  atomic.Int64
	bulkBatches  atomic.Int64
	bulkItems    atomic.Int64
	statsUpdates atomic.Int64
	shutdowns    atomic.Int64
}

func main() {
	cfg := loadConfig{
		senders:        4,
		rate:           10,
		duration:       30 * time.Second,
		listeners:      1,
		orientation:    1,
		bulk:           1,
		dashboards:     1,
		statsPeriod:    5 * time.Second,
		bulkEveryNth:   3,
		connTimeout:    10 * time.Second,
		ackTimeout:     5 * time.Second,
		reportInterval: 2 * time.Second,
		maxSenders:     0,
		batchInterval:  0,
		maxBatchSize:   0,
		senderTimeout:  0,
	}

	flag.StringVar(&cfg.target, "target", cfg.target, "relay base URL (ws://host:port); empty starts an in-process relay")
	flag.IntVar(&cfg.senders, "senders", cfg.senders, "concurrent sender connections")
	flag.IntVar(&cfg.rate, "rate", cfg.rate, "frames per second per sender (0 = max)")
	flag.DurationVar(&cfg.duration, "duration", cfg.duration, "sending duration")
	flag.IntVar(&cfg.listeners, "listeners", cfg.listeners, "passive listener connections")
	flag.IntVar(&cfg.orientation, "orientation-listeners", cfg.orientation, "orientation listener connections")
	flag.IntVar(&cfg.bulk, "bulk-listeners", cfg.bulk, "bulk listener connections")
	flag.IntVar(&cfg.dashboards, "dashboards", cfg.dashboards, "dashboard connections")
	flag.DurationVar(&cfg.statsPeriod, "stats-period", cfg.statsPeriod, "dashboard getStats polling period (0 disables)")
	flag.IntVar(&cfg.bulkEveryNth, "bulk-every", cfg.bulkEveryNth, "attach bulk content to every Nth frame (0 = never)")
	flag.DurationVar(&cfg.connTimeout, "conn-timeout", cfg.connTimeout, "per-connection dial and handshake timeout")
	flag.DurationVar(&cfg.ackTimeout, "ack-timeout", cfg.ackTimeout, "per-frame ack timeout")
	flag.DurationVar(&cfg.reportInterval, "report-interval", cfg.reportInterval, "status report interval")
	flag.StringVar(&cfg.originOverride, "origin", cfg.originOverride, "Origin header override (http/https URL)")
	flag.StringVar(&cfg.outFile, "out", cfg.outFile, "report output file (default: stdout)")
	flag.BoolVar(&cfg.overwrite, "overwrite", false, "overwrite existing --out file")
	flag.BoolVar(&cfg.pretty, "pretty", true, "pretty-print the JSON report")
	flag.IntVar(&cfg.maxSenders, "max-senders", cfg.maxSenders, "in-process relay sender capacity (0 = default)")
	flag.DurationVar(&cfg.batchInterval, "batch-interval", cfg.batchInterval, "in-process relay bulk time trigger (0 = default)")
	flag.IntVar(&cfg.maxBatchSize, "max-batch-size", cfg.maxBatchSize, "in-process relay bulk size trigger (0 = default)")
	flag.DurationVar(&cfg.senderTimeout, "sender-timeout", cfg.senderTimeout, "in-process relay sender inactivity deadline (0 = default)")
	flag.Parse()

	if err := validateConfig(cfg); err != nil {
		log.Fatal(err)
	}

	logger := log.New(os.Stderr, "[loadgen] ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	baseURL := cfg.target
	closeRelay := func() {}
	if baseURL == "" {
		var err error
		baseURL, closeRelay, err = startRelay(cfg)
		if err != nil {
			log.Fatal(err)
		}
	}
	defer closeRelay()

	originValue, err := origin.ForRelay(baseURL, cfg.originOverride)
	if err != nil {
		log.Fatal(err)
	}
	opts := client.Options{Origin: originValue, ConnectTimeout: cfg.connTimeout}

	stats := &statsCollector{
		startedAt: time.Now(),
		failures:  make(map[string]int),
		perSecond: make(map[int64]int),
	}
	counters := &fanoutCounters{}
	sampler := startResourceSampler(ctx, cfg.reportInterval)

	var listenerWG sync.WaitGroup
	startListeners(ctx, &listenerWG, cfg, baseURL, opts, counters, logger)

	if cfg.reportInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.reportInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sent, acked, notActive := stats.counts()
					logger.Printf("sent=%d acked=%d not_active=%d orientation=%d bulk_items=%d sensor_data=%d",
						sent, acked, notActive,
						counters.orientation.Load(), counters.bulkItems.Load(), counters.sensorData.Load())
				}
			}
		}()
	}

	metricsCh := make(chan connMetrics, cfg.senders)
	doneStats := make(chan struct{})
	go func() {
		for m := range metricsCh {
			stats.add(m)
		}
		close(doneStats)
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.senders; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			metricsCh <- runSender(ctx, cfg, baseURL, opts, idx)
		}(i)
	}
	wg.Wait()
	close(metricsCh)
	<-doneStats

	cancel()
	listenerWG.Wait()

	output := buildOutput(cfg, stats, counters, sampler)
	if err := writeReport(cfg, output); err != nil {
		log.Fatal(err)
	}
}

// writeReport emits the JSON report to --out or stdout.
func writeReport(cfg loadConfig, v any) error {
	if cfg.outFile == "" {
		return cmdutil.WriteJSON(os.Stdout, v, cfg.pretty)
	}
	if err := cmdutil.RefuseOverwrite(cfg.outFile, cfg.overwrite); err != nil {
		return err
	}
	f, err := os.Create(cfg.outFile)
	if err != nil {
		return err
	}
	if err := cmdutil.WriteJSON(f, v, cfg.pretty); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func validateConfig(cfg loadConfig) error {
	if cfg.senders <= 0 {
		return errors.New("senders must be > 0")
	}
	if cfg.duration <= 0 {
		return errors.New("duration must be > 0")
	}
	if cfg.rate < 0 {
		return errors.New("rate must be >= 0")
	}
	return nil
}

// runSender dials, handshakes, and pumps frames until the duration elapses.
// Observer senders see not_active rejections instead of acks; both are
// counted rather than treated as failures.
func runSender(ctx context.Context, cfg loadConfig, baseURL string, opts client.Options, idx int) connMetrics {
	out := connMetrics{}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.connTimeout)
	wsStart := time.Now()
	s, err := client.DialSender(dialCtx, baseURL, opts)
	cancel()
	out.wsOpen = time.Since(wsStart)
	if err != nil {
		out.errStage = "ws_open"
		return out
	}
	defer s.Close()

	hsCtx, cancel := context.WithTimeout(ctx, cfg.connTimeout)
	hsStart := time.Now()
	_, err = s.Handshake(hsCtx, "loadgen-"+strconv.Itoa(idx), "loadgen")
	cancel()
	out.welcome = time.Since(hsStart)
	if err != nil {
		out.errStage = "handshake"
		return out
	}

	var ticker *time.Ticker
	if cfg.rate > 0 {
		interval := time.Second / time.Duration(cfg.rate)
		if interval <= 0 {
			interval = time.Nanosecond
		}
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	deadline := time.Now().Add(cfg.duration)
	seq := 0
	for time.Now().Before(deadline) {
		if ticker != nil {
			select {
			case <-ctx.Done():
				out.completeAt = time.Now()
				return out
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			out.completeAt = time.Now()
			return out
		}

		seq++
		frame := makeFrame(idx, seq, cfg.bulkEveryNth)
		sendStart := time.Now()
		if err := s.SendFrame(ctx, frame); err != nil {
			out.errStage = "send"
			out.completeAt = time.Now()
			return out
		}
		out.sent++

		ackCtx, cancel := context.WithTimeout(ctx, cfg.ackTimeout)
		acked, notActive, err := awaitAck(ackCtx, s)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				out.completeAt = time.Now()
				return out
			}
			out.errStage = "ack_wait"
			out.completeAt = time.Now()
			return out
		}
		if acked {
			out.acked++
			out.acks = append(out.acks, time.Since(sendStart).Nanoseconds())
		}
		if notActive {
			out.notActive++
		}
	}
	out.completeAt = time.Now()
	return out
}

// awaitAck reads events until the frame is acked or rejected. Control
// traffic (stats, data_received, promotions) arriving in between is
// skipped.
func awaitAck(ctx context.Context, s *client.Sender) (acked bool, notActive bool, err error) {
	for {
		ev, err := s.ReadEvent(ctx)
		if err != nil {
			return false, false, err
		}
		switch ev.Type {
		case protocol.TypeAck:
			return true, false, nil
		case protocol.TypeRejected:
			if ev.Rejected != nil && ev.Rejected.Reason == "not_active" {
				return false, true, nil
			}
			return false, false, nil
		}
	}
}

func makeFrame(idx, seq, bulkEveryNth int) *protocol.SensorFrame {
	// A slow walk around a fixed point; orientation sweeps a full turn.
	angle := float64(seq%360) * math.Pi / 180
	f := &protocol.SensorFrame{
		ID:        "load-" + strconv.Itoa(idx) + "-" + strconv.Itoa(seq),
		Timestamp: protocol.Timestamp(time.Now()),
		GPS: &protocol.GPS{
			Lat:      47.6062 + 0.0001*math.Sin(angle),
			Lon:      -122.3321 + 0.0001*math.Cos(angle),
			Accuracy: 5,
		},
		Orientation: &protocol.Orientation{
			Alpha: float64(seq % 360),
			Beta:  30 * math.Sin(angle),
			Gamma: 30 * math.Cos(angle),
		},
		Motion: &protocol.Motion{AX: math.Sin(angle), AY: math.Cos(angle), AZ: 9.8},
	}
	if bulkEveryNth > 0 && seq%bulkEveryNth == 0 {
		f.ObjectsDetected = []protocol.DetectedObject{
			{Class: "bird", Score: 0.92, BBox: []float64{10, 20, 120, 140}},
		}
	}
	return f
}

func startListeners(ctx context.Context, wg *sync.WaitGroup, cfg loadConfig, baseURL string, opts client.Options, counters *fanoutCounters, logger *log.Logger) {
	spawn := func(n int, path string, poll bool) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dialCtx, cancel := context.WithTimeout(ctx, cfg.connTimeout)
				l, err := client.DialListener(dialCtx, baseURL, path, opts)
				cancel()
				if err != nil {
					logger.Printf("listener dial %s: %v", path, err)
					return
				}
				defer l.Close()
				if poll && cfg.statsPeriod > 0 {
					go func() {
						ticker := time.NewTicker(cfg.statsPeriod)
						defer ticker.Stop()
						for {
							select {
							case <-ctx.Done():
								return
							case <-ticker.C:
								_ = l.RequestStats(ctx)
							}
						}
					}()
				}
				for {
					ev, err := l.ReadEvent(ctx)
					if err != nil {
						return
					}
					switch ev.Type {
					case protocol.TypeSensorData:
						counters.sensorData.Add(1)
					case protocol.TypeOrientationData:
						counters.orientation.Add(1)
					case protocol.TypeBulkDataBatch:
						counters.bulkBatches.Add(1)
						if ev.BulkBatch != nil {
							counters.bulkItems.Add(int64(ev.BulkBatch.BatchSize))
						}
					case protocol.TypeStats:
						counters.statsUpdates.Add(1)
					case protocol.TypeServerShutdown:
						counters.shutdowns.Add(1)
						return
					}
				}
			}()
		}
	}
	spawn(cfg.listeners, protocol.PathListener, false)
	spawn(cfg.orientation, protocol.PathOrientation, false)
	spawn(cfg.bulk, protocol.PathBulk, false)
	spawn(cfg.dashboards, protocol.PathDashboard, true)
}

func startRelay(cfg loadConfig) (string, func(), error) {
	relayCfg := server.DefaultConfig()
	relayCfg.Logger = zerolog.Nop()
	if cfg.maxSenders > 0 {
		relayCfg.MaxSenders = cfg.maxSenders
	}
	if cfg.batchInterval > 0 {
		relayCfg.BatchInterval = cfg.batchInterval
	}
	if cfg.maxBatchSize > 0 {
		relayCfg.MaxBatchSize = cfg.maxBatchSize
	}
	if cfg.senderTimeout > 0 {
		relayCfg.SenderTimeout = cfg.senderTimeout
	}

	relay, err := server.New(relayCfg)
	if err != nil {
		return "", nil, err
	}

	mux := http.NewServeMux()
	relay.Register(mux)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		relay.Close()
		return "", nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("relay serve error: %v", err)
		}
	}()

	closeFn := func() {
		relay.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(stopCtx)
		cancel()
		_ = ln.Close()
	}

	return "ws://" + ln.Addr().String(), closeFn, nil
}

func (s *statsCollector) add(m connMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.sent += m.sent
	s.acked += m.acked
	s.notActive += m.notActive
	if m.errStage == "" {
		s.success++
		if m.wsOpen > 0 {
			s.wsOpen = append(s.wsOpen, m.wsOpen.Nanoseconds())
		}
		if m.welcome > 0 {
			s.welcome = append(s.welcome, m.welcome.Nanoseconds())
		}
		s.ack = append(s.ack, m.acks...)
		if !m.completeAt.IsZero() {
			s.perSecond[m.completeAt.Unix()]++
		}
		return
	}
	s.failure++
	s.failures[m.errStage]++
}

func (s *statsCollector) counts() (sent, acked, notActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.acked, s.notActive
}

func buildOutput(cfg loadConfig, stats *statsCollector, counters *fanoutCounters, sampler *resourceStats) map[string]any {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	duration := time.Since(stats.startedAt)
	successRate := 0.0
	if stats.attempts > 0 {
		successRate = float64(stats.success) / float64(stats.attempts)
	}
	config := map[string]any{
		"target":                cfg.target,
		"senders":               cfg.senders,
		"rate_per_sec":          cfg.rate,
		"duration_ms":           cfg.duration.Milliseconds(),
		"listeners":             cfg.listeners,
		"orientation_listeners": cfg.orientation,
		"bulk_listeners":        cfg.bulk,
		"dashboards":            cfg.dashboards,
		"bulk_every":            cfg.bulkEveryNth,
		"conn_timeout_ms":       cfg.connTimeout.Milliseconds(),
		"ack_timeout_ms":        cfg.ackTimeout.Milliseconds(),
	}
	out := map[string]any{
		"config": config,
		"summary": map[string]any{
			"attempts":         stats.attempts,
			"success":          stats.success,
			"failure":          stats.failure,
			"success_rate":     successRate,
			"duration_seconds": duration.Seconds(),
			"frames_sent":      stats.sent,
			"frames_acked":     stats.acked,
			"not_active":       stats.notActive,
		},
		"failures": stats.failures,
		"fanout": map[string]any{
			"sensor_data":   counters.sensorData.Load(),
			"orientation":   counters.orientation.Load(),
			"bulk_batches":  counters.bulkBatches.Load(),
			"bulk_items":    counters.bulkItems.Load(),
			"stats_updates": counters.statsUpdates.Load(),
			"shutdowns":     counters.shutdowns.Load(),
		},
		"latency": map[string]latencyStats{
			"ws_open": computeLatency(stats.wsOpen),
			"welcome": computeLatency(stats.welcome),
			"ack":     computeLatency(stats.ack),
		},
		"resources": sampler,
		"env": map[string]any{
			"go_version": runtime.Version(),
			"gomaxprocs": runtime.GOMAXPROCS(0),
		},
	}
	return out
}

func computeLatency(samples []int64) latencyStats {
	if len(samples) == 0 {
		return latencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	min := samples[0]
	max := samples[len(samples)-1]
	var sum int64
	for _, v := range samples {
		sum += v
	}
	mean := float64(sum) / float64(len(samples))
	return latencyStats{
		Count:  len(samples),
		MinMs:  nsToMs(min),
		MaxMs:  nsToMs(max),
		MeanMs: mean / 1e6,
		P50Ms:  nsToMs(percentile(samples, 0.50)),
		P95Ms:  nsToMs(percentile(samples, 0.95)),
		P99Ms:  nsToMs(percentile(samples, 0.99)),
	}
}

func percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 1 {
		return samples[len(samples)-1]
	}
	rank := int(float64(len(samples)-1) * p)
	return samples[rank]
}

func nsToMs(ns int64) float64 {
	return float64(ns) / 1e6
}

func startResourceSampler(ctx context.Context, interval time.Duration) *resourceStats {
	stats := &resourceStats{}
	if interval <= 0 {
		return stats
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				stats.MaxHeapAlloc = maxU64(stats.MaxHeapAlloc, ms.HeapAlloc)
				stats.MaxHeapInuse = maxU64(stats.MaxHeapInuse, ms.HeapInuse)
				stats.MaxSysBytes = maxU64(stats.MaxSysBytes, ms.Sys)
				if g := runtime.NumGoroutine(); g > stats.MaxGoroutines {
					stats.MaxGoroutines = g
				}
			}
		}
	}()
	return stats
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
