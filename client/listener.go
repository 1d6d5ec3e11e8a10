package client

import (
	"context"
	"strings"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// Listener is a read-only client of one fan-out endpoint.
type Listener struct {
	c    *conn
	path string
}

// DialListener connects to one of the relay's read-only endpoints:
// protocol.PathListener, PathOrientation, PathBulk, or PathDashboard.
func DialListener(ctx context.Context, baseURL, path string, opts Options) (*Listener, error) {
	c, err := dial(ctx, strings.TrimRight(baseURL, "/")+path, opts)
	if err != nil {
		return nil, err
	}
	return &Listener{c: c, path: path}, nil
}

// ReadEvent blocks for the next server message.
func (l *Listener) ReadEvent(ctx context.Context) (*Event, error) {
	return l.c.readEvent(ctx)
}

// RequestStats asks for a stats snapshot. Only the dashboard endpoint
// answers; other paths treat client traffic as protocol violations.
func (l *Listener) RequestStats(ctx context.Context) error {
	return l.c.writeJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: protocol.TypeGetStats})
}

func (l *Listener) Close() error {
	return l.c.close()
}
