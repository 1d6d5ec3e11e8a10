package defaults

import (
	"testing"
	"time"
)

func TestPingInterval(t *testing.T) {
	t.Run("non-positive pong wait disables pings", func(t *testing.T) {
		if got := PingInterval(0); got != 0 {
			t.Fatalf("expected 0, got %v", got)
		}
		if got := PingInterval(-time.Second); got != 0 {
			t.Fatalf("expected 0, got %v", got)
		}
	})

	t.Run("nine tenths of pong wait", func(t *testing.T) {
		if got := PingInterval(60 * time.Second); got != 54*time.Second {
			t.Fatalf("expected 54s, got %v", got)
		}
	})

	t.Run("min clamp and strict less than pong wait", func(t *testing.T) {
		pongWait := 100 * time.Millisecond
		got := PingInterval(pongWait)
		if got >= pongWait {
			t.Fatalf("expected interval < pong wait, got interval=%v pongWait=%v", got, pongWait)
		}
		if got != 90*time.Millisecond {
			t.Fatalf("expected 90ms, got %v", got)
		}
	})
}
