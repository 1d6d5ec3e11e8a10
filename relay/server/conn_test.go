package server

import (
	"testing"
	"time"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

func newBackpressureServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WriteQueueCap = 2
	cfg.SlowConsumerDeadline = 30 * time.Millisecond
	cfg.ControlSendDeadline = 30 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func isClosing(c *conn) bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func TestEnqueueOrientationDropsOldest(t *testing.T) {
	s := newBackpressureServer(t, nil)
	c := s.newConn(nil, "o1", protocol.RoleOrientationListener, "test")

	c.enqueue([]byte("1"))
	c.enqueue([]byte("2"))
	c.enqueue([]byte("3"))

	if got := c.dropped.Load(); got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	if got := string(<-c.out); got != "2" {
		t.Fatalf("expected oldest surviving message to be 2, got %q", got)
	}
	if got := string(<-c.out); got != "3" {
		t.Fatalf("expected newest message to be 3, got %q", got)
	}
	if isClosing(c) {
		t.Fatalf("orientation back-pressure must not close the connection")
	}
}

func TestEnqueueListenerClosesAfterSustainedFullness(t *testing.T) {
	s := newBackpressureServer(t, nil)
	c := s.newConn(nil, "l1", protocol.RoleListener, "test")

	c.enqueue([]byte("1"))
	c.enqueue([]byte("2"))
	c.enqueue([]byte("overflow"))
	if isClosing(c) {
		t.Fatalf("first overflow must not close immediately")
	}

	time.Sleep(50 * time.Millisecond)
	c.enqueue([]byte("overflow"))
	if !isClosing(c) {
		t.Fatalf("expected close after sustained queue fullness")
	}
	if c.closeText != "slow_consumer" {
		t.Fatalf("expected slow_consumer close, got %q", c.closeText)
	}
}

func TestEnqueueListenerFullnessResetsOnDrain(t *testing.T) {
	s := newBackpressureServer(t, nil)
	c := s.newConn(nil, "l1", protocol.RoleListener, "test")

	c.enqueue([]byte("1"))
	c.enqueue([]byte("2"))
	c.enqueue([]byte("overflow"))

	<-c.out
	time.Sleep(50 * time.Millisecond)
	c.enqueue([]byte("3"))
	if isClosing(c) {
		t.Fatalf("successful enqueue must clear the fullness spell")
	}
}

func TestEnqueueSenderBlocksThenCloses(t *testing.T) {
	s := newBackpressureServer(t, nil)
	c := s.newConn(nil, "s1", protocol.RoleSender, "test")

	c.enqueue([]byte("1"))
	c.enqueue([]byte("2"))

	start := time.Now()
	c.enqueue([]byte("blocked"))
	elapsed := time.Since(start)

	if !isClosing(c) {
		t.Fatalf("expected close after blocking deadline")
	}
	if c.closeText != "slow_control_channel" {
		t.Fatalf("expected slow_control_channel close, got %q", c.closeText)
	}
	if elapsed < 25*time.Millisecond {
		t.Fatalf("expected enqueue to block near the deadline, returned after %v", elapsed)
	}
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	s := newBackpressureServer(t, nil)
	c := s.newConn(nil, "l1", protocol.RoleListener, "test")
	c.beginClose(1000, "test", "peer_closed")

	c.enqueue([]byte("late"))
	select {
	case b := <-c.out:
		t.Fatalf("expected no enqueue after close, got %q", b)
	default:
	}
}

func TestStrikeRollingWindow(t *testing.T) {
	s := newBackpressureServer(t, func(cfg *Config) {
		cfg.ViolationStrikes = 3
		cfg.ViolationWindow = 100 * time.Millisecond
	})
	c := s.newConn(nil, "s1", protocol.RoleSender, "test")

	now := time.Now()
	if c.strike(now) {
		t.Fatalf("first strike must not trip the limit")
	}
	if c.strike(now.Add(10 * time.Millisecond)) {
		t.Fatalf("second strike must not trip the limit")
	}
	if !c.strike(now.Add(20 * time.Millisecond)) {
		t.Fatalf("third strike within the window must trip the limit")
	}
}

func TestStrikeExpiresOutsideWindow(t *testing.T) {
	s := newBackpressureServer(t, func(cfg *Config) {
		cfg.ViolationStrikes = 2
		cfg.ViolationWindow = 50 * time.Millisecond
	})
	c := s.newConn(nil, "s1", protocol.RoleSender, "test")

	now := time.Now()
	if c.strike(now) {
		t.Fatalf("first strike must not trip the limit")
	}
	if c.strike(now.Add(200 * time.Millisecond)) {
		t.Fatalf("strike after the window expired must count as the first")
	}
}
