package server

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/jonmccon/pocket-parrot-sub000/observability"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// batcher owns the process-wide bulk queue. A single goroutine serializes
// the size trigger, the time trigger, and the listener-gated ticker, so
// flushes never run concurrently. The interval ticker runs exactly while at
// least one bulk listener is registered.
type batcher struct {
	srv      *Server
	interval time.Duration
	maxBatch int

	mu    sync.Mutex
	queue []protocol.BulkItem

	kick      chan struct{} // Size-trigger signal, coalesced.
	listeners chan int      // Latest bulk-listener count, coalesced.
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func newBatcher(s *Server) *batcher {
	return &batcher{
		srv:       s,
		interval:  s.cfg.BatchInterval,
		maxBatch:  s.cfg.MaxBatchSize,
		kick:      make(chan struct{}, 1),
		listeners: make(chan int, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (b *batcher) enqueue(item protocol.BulkItem) {
	b.mu.Lock()
	b.queue = append(b.queue, item)
	n := len(b.queue)
	b.mu.Unlock()
	if n >= b.maxBatch {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *batcher) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// setListeners hands the latest bulk-listener count to the run loop,
// keeping only the most recent value when the loop is mid-flush.
func (b *batcher) setListeners(n int) {
	for {
		select {
		case b.listeners <- n:
			return
		default:
			select {
			case <-b.listeners:
			default:
			}
		}
	}
}

func (b *batcher) run() {
	defer close(b.done)
	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	for {
		select {
		case <-b.stop:
			return
		case n := <-b.listeners:
			if n > 0 && ticker == nil {
				ticker = time.NewTicker(b.interval)
				tickC = ticker.C
			} else if n == 0 && ticker != nil {
				ticker.Stop()
				ticker = nil
				tickC = nil
			}
		case <-tickC:
			b.flush(observability.FlushTriggerInterval)
		case <-b.kick:
			// Repeat until the queue is below the threshold again; this
			// bounds the queue at maxBatch-1 between ticks. A stale kick
			// with a sub-threshold queue flushes nothing.
			for b.len() >= b.maxBatch {
				b.flush(observability.FlushTriggerSize)
			}
		}
	}
}

func (b *batcher) shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// drain flushes the remainder unconditionally. Call only after shutdown.
func (b *batcher) drain() {
	for b.flush(observability.FlushTriggerDrain) > 0 {
	}
}

// flush emits one batch of up to maxBatch items to the current bulk
// listener snapshot and returns the queue length left behind.
func (b *batcher) flush(trigger observability.FlushTrigger) int {
	b.mu.Lock()
	n := len(b.queue)
	if n == 0 {
		b.mu.Unlock()
		return 0
	}
	take := n
	if take > b.maxBatch {
		take = b.maxBatch
	}
	items := make([]protocol.BulkItem, take)
	copy(items, b.queue[:take])
	b.queue = append(b.queue[:0], b.queue[take:]...)
	remaining := len(b.queue)
	b.mu.Unlock()

	batch := protocol.NewBulkBatch(items, time.Now())
	buf, err := json.Marshal(batch)
	if err != nil {
		b.srv.log.Error().Err(err).Msg("marshal bulk batch")
		return remaining
	}
	for _, c := range b.srv.reg.snapshot(protocol.RoleBulkListener) {
		c.enqueue(buf)
	}
	b.srv.obs.BatchFlush(trigger, take)
	return remaining
}
