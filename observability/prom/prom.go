package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonmccon/pocket-parrot-sub000/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	connGauge         *prometheus.GaugeVec
	acceptTotal       *prometheus.CounterVec
	closeTotal        *prometheus.CounterVec
	sessionTotal      *prometheus.CounterVec
	framesTotal       prometheus.Counter
	rejectedTotal     *prometheus.CounterVec
	orientationTotal  prometheus.Counter
	orientationDrops  prometheus.Counter
	batchTotal        *prometheus.CounterVec
	batchSizes        prometheus.Histogram
	hookErrorsTotal   prometheus.Counter
	statsBroadcasts   prometheus.Counter
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		connGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parrot_relay_connections",
			Help: "Current websocket connection count by role.",
		}, []string{"role"}),
		acceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_relay_accept_total",
			Help: "Connection accept attempts by result and reason.",
		}, []string{"result", "reason"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_relay_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_relay_session_events_total",
			Help: "Sender session transitions by kind.",
		}, []string{"event"}),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_relay_frames_total",
			Help: "Accepted sensor data frames.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_relay_frames_rejected_total",
			Help: "Rejected sender messages by reason.",
		}, []string{"reason"}),
		orientationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_relay_orientation_fanout_total",
			Help: "Orientation messages enqueued to listeners.",
		}),
		orientationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_relay_orientation_dropped_total",
			Help: "Orientation messages dropped by newest-wins back-pressure.",
		}),
		batchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_relay_batch_flush_total",
			Help: "Bulk batch flushes by trigger.",
		}, []string{"trigger"}),
		batchSizes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parrot_relay_batch_size",
			Help:    "Items per flushed bulk batch.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 30, 50},
		}),
		hookErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_relay_ingest_hook_errors_total",
			Help: "Errors returned by the ingest hook.",
		}),
		statsBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_relay_stats_broadcast_total",
			Help: "Stats snapshots broadcast to dashboards and listeners.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.acceptTotal,
		o.closeTotal,
		o.sessionTotal,
		o.framesTotal,
		o.rejectedTotal,
		o.orientationTotal,
		o.orientationDrops,
		o.batchTotal,
		o.batchSizes,
		o.hookErrorsTotal,
		o.statsBroadcasts,
	)
	return o
}

func (o *RelayObserver) ConnCount(role string, n int) {
	o.connGauge.WithLabelValues(role).Set(float64(n))
}

func (o *RelayObserver) Accept(result observability.AcceptResult, reason observability.AcceptReason) {
	o.acceptTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *RelayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *RelayObserver) Session(event observability.SessionEvent) {
	o.sessionTotal.WithLabelValues(string(event)).Inc()
}

func (o *RelayObserver) FrameAccepted() {
	o.framesTotal.Inc()
}

func (o *RelayObserver) FrameRejected(reason string) {
	o.rejectedTotal.WithLabelValues(reason).Inc()
}

func (o *RelayObserver) OrientationFanout(n int) {
	o.orientationTotal.Add(float64(n))
}

func (o *RelayObserver) OrientationDropped() {
	o.orientationDrops.Inc()
}

func (o *RelayObserver) BatchFlush(trigger observability.FlushTrigger, size int) {
	o.batchTotal.WithLabelValues(string(trigger)).Inc()
	o.batchSizes.Observe(float64(size))
}

func (o *RelayObserver) IngestHookError() {
	o.hookErrorsTotal.Inc()
}

func (o *RelayObserver) StatsBroadcast() {
	o.statsBroadcasts.Inc()
}
