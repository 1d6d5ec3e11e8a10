package server

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

func newBatchServer(t *testing.T, interval time.Duration, maxBatch int) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BatchInterval = interval
	cfg.MaxBatchSize = maxBatch
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// addBulkListener registers a queue-only connection so flushes have a
// destination we can read from without a transport.
func addBulkListener(s *Server, id string) *conn {
	c := s.newConn(nil, id, protocol.RoleBulkListener, "test")
	// No writePump runs for this transport-less conn, so mark the writer as
	// already exited; otherwise Shutdown waits out the drain deadline and
	// force-closes the nil transport.
	close(c.done)
	s.reg.insert(c)
	s.batch.setListeners(s.reg.count(protocol.RoleBulkListener))
	return c
}

func recvBatch(t *testing.T, c *conn, timeout time.Duration) protocol.BulkBatch {
	t.Helper()
	select {
	case b := <-c.out:
		var batch protocol.BulkBatch
		if err := json.Unmarshal(b, &batch); err != nil {
			t.Fatalf("Unmarshal(batch) failed: %v", err)
		}
		if batch.BatchSize != len(batch.Data) {
			t.Fatalf("batchSize %d != len(data) %d", batch.BatchSize, len(batch.Data))
		}
		return batch
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a batch")
		return protocol.BulkBatch{}
	}
}

func bulkItem(userID string, seq int) protocol.BulkItem {
	return protocol.BulkItem{
		Timestamp: protocol.Timestamp(time.Now()),
		UserID:    userID,
		GPS:       &protocol.GPS{Lat: float64(seq), Lon: 0, Accuracy: 1},
	}
}

func TestBatcherSizeTrigger(t *testing.T) {
	s := newBatchServer(t, time.Minute, 3)
	c := addBulkListener(s, "b1")

	for i := 0; i < 3; i++ {
		s.batch.enqueue(bulkItem("u1", i))
	}

	batch := recvBatch(t, c, time.Second)
	if batch.BatchSize != 3 {
		t.Fatalf("expected batch of 3, got %d", batch.BatchSize)
	}
	if got := s.batch.len(); got != 0 {
		t.Fatalf("expected empty queue after size flush, got %d", got)
	}
}

func TestBatcherSizeTriggerRepeats(t *testing.T) {
	s := newBatchServer(t, time.Minute, 2)
	c := addBulkListener(s, "b1")

	for i := 0; i < 5; i++ {
		s.batch.enqueue(bulkItem("u1", i))
	}

	first := recvBatch(t, c, time.Second)
	second := recvBatch(t, c, time.Second)
	if first.BatchSize != 2 || second.BatchSize != 2 {
		t.Fatalf("expected two full batches, got %d and %d", first.BatchSize, second.BatchSize)
	}
	// The remainder stays queued until the next trigger.
	if got := s.batch.len(); got != 1 {
		t.Fatalf("expected 1 leftover item, got %d", got)
	}
}

func TestBatcherTimeTrigger(t *testing.T) {
	s := newBatchServer(t, 20*time.Millisecond, 10)
	c := addBulkListener(s, "b1")

	s.batch.enqueue(bulkItem("u1", 0))
	s.batch.enqueue(bulkItem("u1", 1))

	batch := recvBatch(t, c, time.Second)
	if batch.BatchSize != 2 {
		t.Fatalf("expected partial batch of 2 on interval, got %d", batch.BatchSize)
	}
}

func TestBatcherTickerGatedOnListeners(t *testing.T) {
	s := newBatchServer(t, 20*time.Millisecond, 10)

	s.batch.enqueue(bulkItem("u1", 0))
	time.Sleep(80 * time.Millisecond)
	if got := s.batch.len(); got != 1 {
		t.Fatalf("expected queue untouched without listeners, got %d", got)
	}

	c := addBulkListener(s, "b1")
	batch := recvBatch(t, c, time.Second)
	if batch.BatchSize != 1 {
		t.Fatalf("expected queued item to flush once a listener arrives, got %d", batch.BatchSize)
	}
}

func TestBatcherDrainFlushesRemainder(t *testing.T) {
	s := newBatchServer(t, time.Minute, 3)
	c := addBulkListener(s, "b1")

	// Stop the run loop first so enqueues cannot race a size flush.
	s.batch.shutdown()
	for i := 0; i < 7; i++ {
		s.batch.enqueue(bulkItem("u1", i))
	}
	s.batch.drain()

	sizes := []int{
		recvBatch(t, c, time.Second).BatchSize,
		recvBatch(t, c, time.Second).BatchSize,
		recvBatch(t, c, time.Second).BatchSize,
	}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Fatalf("expected drain batches 3,3,1, got %v", sizes)
	}
	if got := s.batch.len(); got != 0 {
		t.Fatalf("expected empty queue after drain, got %d", got)
	}
}
