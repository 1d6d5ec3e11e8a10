package observability

import (
	"sync"
	"sync/atomic"
)

type AcceptResult string

const (
	AcceptResultOK   AcceptResult = "ok"
	AcceptResultFail AcceptResult = "fail"
)

type AcceptReason string

const (
	AcceptReasonOK              AcceptReason = "ok"
	AcceptReasonUpgradeError    AcceptReason = "upgrade_error"
	AcceptReasonUnknownPath     AcceptReason = "unknown_path"
	AcceptReasonOriginForbidden AcceptReason = "origin_forbidden"
	AcceptReasonNoEvictable     AcceptReason = "capacity_reached_no_evictable"
	AcceptReasonShuttingDown    AcceptReason = "shutting_down"
)

type CloseReason string

const (
	CloseReasonPeerClosed         CloseReason = "peer_closed"
	CloseReasonReadError          CloseReason = "read_error"
	CloseReasonWriteError         CloseReason = "write_error"
	CloseReasonSlowConsumer       CloseReason = "slow_consumer"
	CloseReasonSlowControlChannel CloseReason = "slow_control_channel"
	CloseReasonProtocolError      CloseReason = "protocol_error"
	CloseReasonEvicted            CloseReason = "evicted"
	CloseReasonSenderTimeout      CloseReason = "sender_timeout"
	CloseReasonServerShutdown     CloseReason = "server_shutdown"
)

type SessionEvent string

const (
	SessionEventActivated SessionEvent = "activated"
	SessionEventObserver  SessionEvent = "observer"
	SessionEventPromoted  SessionEvent = "promoted"
	SessionEventDemoted   SessionEvent = "demoted"
	SessionEventEvicted   SessionEvent = "evicted"
	SessionEventTimeout   SessionEvent = "timeout"
)

type FlushTrigger string

const (
	FlushTriggerSize     FlushTrigger = "size"
	FlushTriggerInterval FlushTrigger = "interval"
	FlushTriggerDrain    FlushTrigger = "drain"
)

// RelayObserver receives relay-level metric events. Implementations must be
// safe for concurrent use and must not block.
type RelayObserver interface {
	ConnCount(role string, n int)
	Accept(result AcceptResult, reason AcceptReason)
	Close(reason CloseReason)
	Session(event SessionEvent)
	FrameAccepted()
	FrameRejected(reason string)
	OrientationFanout(n int)
	OrientationDropped()
	BatchFlush(trigger FlushTrigger, size int)
	IngestHookError()
	StatsBroadcast()
}

type noopRelayObserver struct{}

func (noopRelayObserver) ConnCount(string, int)             {}
func (noopRelayObserver) Accept(AcceptResult, AcceptReason) {}
func (noopRelayObserver) Close(CloseReason)                 {}
func (noopRelayObserver) Session(SessionEvent)              {}
func (noopRelayObserver) FrameAccepted()                    {}
func (noopRelayObserver) FrameRejected(string)              {}
func (noopRelayObserver) OrientationFanout(int)             {}
func (noopRelayObserver) OrientationDropped()               {}
func (noopRelayObserver) BatchFlush(FlushTrigger, int)      {}
func (noopRelayObserver) IngestHookError()                  {}
func (noopRelayObserver) StatsBroadcast()                   {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicRelayObserver swaps its delegate at runtime. It lets the process
// toggle metrics collection on a live server without restarting it.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) ConnCount(role string, n int) { a.load().ConnCount(role, n) }
func (a *AtomicRelayObserver) Accept(result AcceptResult, reason AcceptReason) {
	a.load().Accept(result, reason)
}
func (a *AtomicRelayObserver) Close(reason CloseReason)   { a.load().Close(reason) }
func (a *AtomicRelayObserver) Session(event SessionEvent) { a.load().Session(event) }
func (a *AtomicRelayObserver) FrameAccepted()             { a.load().FrameAccepted() }
func (a *AtomicRelayObserver) FrameRejected(reason string) {
	a.load().FrameRejected(reason)
}
func (a *AtomicRelayObserver) OrientationFanout(n int) { a.load().OrientationFanout(n) }
func (a *AtomicRelayObserver) OrientationDropped()     { a.load().OrientationDropped() }
func (a *AtomicRelayObserver) BatchFlush(trigger FlushTrigger, size int) {
	a.load().BatchFlush(trigger, size)
}
func (a *AtomicRelayObserver) IngestHookError() { a.load().IngestHookError() }
func (a *AtomicRelayObserver) StatsBroadcast()  { a.load().StatsBroadcast() }
