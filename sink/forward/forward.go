// Package forward ships an ingest hook that streams accepted frames to a
// downstream TCP consumer. Frames travel as length-prefixed JSON records on
// a dedicated stream of a yamux client session, so one connection can later
// carry side channels without a second dial. The forwarder reconnects with
// capped backoff and sheds frames while disconnected; the relay's
// at-most-once contract makes that loss acceptable.
package forward

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/jonmccon/pocket-parrot-sub000/framing/jsonframe"
	muxy "github.com/jonmccon/pocket-parrot-sub000/mux/yamux"
	"github.com/jonmccon/pocket-parrot-sub000/pperrors"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

type Config struct {
	Addr        string        // Downstream TCP address, host:port.
	QueueCap    int           // Buffered records before Ingest starts dropping.
	DialTimeout time.Duration // Per-attempt TCP dial timeout.
	BackoffMin  time.Duration // First reconnect delay.
	BackoffMax  time.Duration // Reconnect delay cap.
	Logger      zerolog.Logger
}

// DefaultConfig returns forwarder defaults for a local downstream.
func DefaultConfig() Config {
	return Config{
		QueueCap:    256,
		DialTimeout: 5 * time.Second,
		BackoffMin:  250 * time.Millisecond,
		BackoffMax:  10 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// Record is the wire shape written downstream, one per accepted frame.
type Record struct {
	SenderID string                `json:"senderId"`
	Frame    *protocol.SensorFrame `json:"frame"`
}

var errQueueFull = errors.New("forward queue full")

// Forwarder is a sink.Hook that relays frames to a downstream address.
type Forwarder struct {
	cfg Config
	log zerolog.Logger

	queue chan Record
	stop  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

// New validates the config and starts the forwarding loop. The downstream
// does not need to be reachable yet; the loop keeps dialing.
func New(cfg Config) (*Forwarder, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageValidate, pperrors.CodeInvalidConfig, errors.New("missing forward address"))
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = def.QueueCap
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = def.BackoffMax
	}
	f := &Forwarder{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "forward").Logger(),
		queue: make(chan Record, cfg.QueueCap),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Ingest enqueues one frame for forwarding. It never blocks: when the
// queue is full the frame is dropped and an error returned for the relay
// to log.
func (f *Forwarder) Ingest(_ context.Context, senderID string, frame *protocol.SensorFrame) error {
	select {
	case <-f.stop:
		return pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageForward, pperrors.CodeClosed, nil)
	default:
	}
	select {
	case f.queue <- Record{SenderID: senderID, Frame: frame}:
		return nil
	default:
		return pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageForward, pperrors.CodeQueueClosed, errQueueFull)
	}
}

// Close stops the loop and tears down the downstream session.
func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() { close(f.stop) })
	<-f.done
	return nil
}

func (f *Forwarder) run() {
	defer close(f.done)
	backoff := f.cfg.BackoffMin
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		sess, stream, err := f.connect()
		if err != nil {
			f.log.Warn().Err(err).Dur("retry_in", backoff).Msg("downstream unavailable")
			select {
			case <-f.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.cfg.BackoffMax {
				backoff = f.cfg.BackoffMax
			}
			continue
		}
		f.log.Info().Str("addr", f.cfg.Addr).Msg("downstream connected")
		backoff = f.cfg.BackoffMin
		if err := f.pump(stream); err != nil {
			f.log.Warn().Err(err).Msg("downstream stream failed")
		}
		_ = stream.Close()
		_ = sess.Close()
		select {
		case <-f.stop:
			return
		default:
		}
	}
}

func (f *Forwarder) connect() (*yamux.Session, net.Conn, error) {
	conn, err := net.DialTimeout("tcp", f.cfg.Addr, f.cfg.DialTimeout)
	if err != nil {
		return nil, nil, pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageDial, pperrors.CodeDialFailed, err)
	}
	sess, err := muxy.NewClient(conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageDial, pperrors.CodeMuxFailed, err)
	}
	stream, err := sess.Open()
	if err != nil {
		_ = sess.Close()
		_ = conn.Close()
		return nil, nil, pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageDial, pperrors.CodeOpenStreamFailed, err)
	}
	return sess, stream, nil
}

// pump writes queued records to the stream until it fails or Close is
// called. Remaining queued records survive a reconnect; records produced
// while the queue is full do not.
func (f *Forwarder) pump(stream net.Conn) error {
	for {
		select {
		case <-f.stop:
			// Best-effort flush of what is already queued.
			for {
				select {
				case rec := <-f.queue:
					if err := jsonframe.WriteJSONFrame(stream, rec); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case rec := <-f.queue:
			if err := jsonframe.WriteJSONFrame(stream, rec); err != nil {
				return pperrors.Wrap(pperrors.SurfaceSink, pperrors.StageForward, pperrors.CodeEncodeFailed, err)
			}
		}
	}
}
