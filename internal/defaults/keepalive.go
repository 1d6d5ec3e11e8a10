package defaults

import "time"

const minPingInterval = 250 * time.Millisecond

// PingInterval returns the websocket keepalive ping cadence for a pong wait.
//
// It uses 9/10 of the pong wait, clamps to a small minimum for usability, and
// guarantees the resulting interval is strictly less than the pong wait.
func PingInterval(pongWait time.Duration) time.Duration {
	if pongWait <= 0 {
		return 0
	}
	interval := pongWait / 10 * 9
	if interval < minPingInterval {
		interval = minPingInterval
	}
	if interval >= pongWait {
		interval = pongWait / 10 * 9
	}
	return interval
}
