package server

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/pperrors"
	"github.com/jonmccon/pocket-parrot-sub000/sink"
)

type Config struct {
	MaxSenders    int           // Sender admission limit; oldest is evicted at capacity.
	SenderTimeout time.Duration // Inactivity deadline for the active sender.
	SessionTick   time.Duration // Cadence of the sender-timeout check.

	BatchInterval time.Duration // Bulk time trigger.
	MaxBatchSize  int           // Bulk size trigger and per-batch item cap.

	WriteQueueCap        int           // Per-connection write queue capacity (messages).
	SlowConsumerDeadline time.Duration // Close listeners whose queue stays full this long.
	ControlSendDeadline  time.Duration // Max blocking time for sender control frames.
	DrainDeadline        time.Duration // Write-queue flush budget on connection close.
	WriteTimeout         time.Duration // Per-frame websocket write deadline.
	PongWait             time.Duration // Read deadline extended on each pong.

	MaxFrameBytes int // Max inbound message size; sized for base64 payloads.

	StatsInterval time.Duration // Rate-counter reset and stats broadcast cadence.

	ViolationStrikes int           // Protocol violations tolerated per window before close.
	ViolationWindow  time.Duration // Rolling window for violation strikes.

	AllowedOrigins []string // Origin allow-list; empty allows any origin.
	AllowNoOrigin  bool     // Whether to allow requests without an Origin header.

	Logger   zerolog.Logger              // Structured logger; defaults to a no-op logger.
	Observer observability.RelayObserver // Optional metrics observer.
	Hook     sink.Hook                   // Ingest hook; defaults to sink.Nop.
}

// DefaultConfig returns conservative defaults for a relay server.
func DefaultConfig() Config {
	return Config{
		MaxSenders:           25,
		SenderTimeout:        60 * time.Second,
		SessionTick:          time.Second,
		BatchInterval:        time.Second,
		MaxBatchSize:         10,
		WriteQueueCap:        256,
		SlowConsumerDeadline: 5 * time.Second,
		ControlSendDeadline:  2 * time.Second,
		DrainDeadline:        5 * time.Second,
		WriteTimeout:         10 * time.Second,
		PongWait:             60 * time.Second,
		MaxFrameBytes:        1 << 20,
		StatsInterval:        time.Minute,
		ViolationStrikes:     8,
		ViolationWindow:      30 * time.Second,
		Logger:               zerolog.Nop(),
		Observer:             observability.NoopRelayObserver,
		Hook:                 sink.Nop,
	}
}

func normalizeConfig(cfg Config) (Config, error) {
	def := DefaultConfig()
	if cfg.MaxSenders < 0 {
		return cfg, pperrors.Wrap(pperrors.SurfaceRelay, pperrors.StageValidate, pperrors.CodeInvalidConfig, errors.New("max senders must be positive"))
	}
	if cfg.MaxSenders == 0 {
		cfg.MaxSenders = def.MaxSenders
	}
	if cfg.SenderTimeout <= 0 {
		cfg.SenderTimeout = def.SenderTimeout
	}
	if cfg.SessionTick <= 0 {
		cfg.SessionTick = def.SessionTick
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = def.BatchInterval
	}
	if cfg.MaxBatchSize < 0 {
		return cfg, pperrors.Wrap(pperrors.SurfaceRelay, pperrors.StageValidate, pperrors.CodeInvalidConfig, errors.New("max batch size must be positive"))
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.WriteQueueCap <= 0 {
		cfg.WriteQueueCap = def.WriteQueueCap
	}
	if cfg.SlowConsumerDeadline <= 0 {
		cfg.SlowConsumerDeadline = def.SlowConsumerDeadline
	}
	if cfg.ControlSendDeadline <= 0 {
		cfg.ControlSendDeadline = def.ControlSendDeadline
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = def.DrainDeadline
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.ViolationStrikes <= 0 {
		cfg.ViolationStrikes = def.ViolationStrikes
	}
	if cfg.ViolationWindow <= 0 {
		cfg.ViolationWindow = def.ViolationWindow
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}
	if cfg.Hook == nil {
		cfg.Hook = sink.Nop
	}
	return cfg, nil
}
