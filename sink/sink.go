// Package sink defines the ingest hook the relay invokes for every
// accepted sensor frame. The relay itself persists nothing; a hook is the
// only way frame data leaves the process beyond the fan-out paths.
package sink

import (
	"context"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// Hook receives every accepted sensor frame after fan-out. Implementations
// must be safe for concurrent use. Errors are logged by the relay and never
// surfaced to clients, so a hook that cannot keep up should drop internally
// rather than block Ingest.
type Hook interface {
	Ingest(ctx context.Context, senderID string, frame *protocol.SensorFrame) error
	Close() error
}

type nopHook struct{}

func (nopHook) Ingest(context.Context, string, *protocol.SensorFrame) error { return nil }
func (nopHook) Close() error                                                { return nil }

// Nop is the default hook: it discards every frame.
var Nop Hook = nopHook{}
