package client

import (
	"context"
	"errors"
	"strings"

	"github.com/jonmccon/pocket-parrot-sub000/internal/defaults"
	"github.com/jonmccon/pocket-parrot-sub000/pperrors"
	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// Sender is a client of the /pocket-parrot endpoint. One goroutine should
// own reads (ReadEvent) while another may send; the relay interleaves
// control messages with acks, so callers that need a specific reply read
// events until it arrives.
type Sender struct {
	c *conn
}

// DialSender connects to the relay's sender endpoint. baseURL is the
// relay's ws:// or wss:// address without a path.
func DialSender(ctx context.Context, baseURL string, opts Options) (*Sender, error) {
	c, err := dial(ctx, strings.TrimRight(baseURL, "/")+protocol.PathSender, opts)
	if err != nil {
		return nil, err
	}
	return &Sender{c: c}, nil
}

// Handshake announces the sender's labels and waits for the welcome,
// returning the server-assigned client id. Control messages arriving ahead
// of the welcome (promoted, observer_mode) are discarded here; callers that
// care about role assignment should read events themselves before calling.
func (s *Sender) Handshake(ctx context.Context, username, deviceID string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaults.HandshakeTimeout)
		defer cancel()
	}
	msg := struct {
		Type     string `json:"type"`
		Username string `json:"username,omitempty"`
		DeviceID string `json:"deviceId,omitempty"`
	}{Type: protocol.TypeHandshake, Username: username, DeviceID: deviceID}
	if err := s.c.writeJSON(ctx, msg); err != nil {
		return "", err
	}
	for {
		ev, err := s.ReadEvent(ctx)
		if err != nil {
			return "", err
		}
		switch ev.Type {
		case protocol.TypeWelcome:
			return ev.Welcome.ClientID, nil
		case protocol.TypeRejected:
			return "", pperrors.Wrap(pperrors.SurfaceClient, pperrors.StageHandshake, pperrors.CodeInvalidInput, errors.New(ev.Rejected.Reason))
		}
	}
}

// SendFrame submits one data frame. Delivery of the ack is read separately
// via ReadEvent.
func (s *Sender) SendFrame(ctx context.Context, f *protocol.SensorFrame) error {
	msg := struct {
		Type string `json:"type"`
		*protocol.SensorFrame
	}{Type: protocol.TypeData, SensorFrame: f}
	return s.c.writeJSON(ctx, msg)
}

// Demote asks the relay to move this sender to the observer queue tail.
func (s *Sender) Demote(ctx context.Context) error {
	return s.c.writeJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: protocol.TypeDemote})
}

// ReadEvent blocks for the next server message.
func (s *Sender) ReadEvent(ctx context.Context) (*Event, error) {
	return s.c.readEvent(ctx)
}

func (s *Sender) Close() error {
	return s.c.close()
}
