package client

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// Event is one decoded server message. Type is always set; the pointer
// matching Type is populated and the rest are nil. Raw keeps the original
// bytes for callers that need fields this decoding does not surface.
type Event struct {
	Type string
	Raw  []byte

	Welcome          *protocol.Welcome
	ObserverMode     *protocol.ObserverMode
	SenderChanged    *protocol.SenderChanged
	Ack              *protocol.Ack
	Rejected         *protocol.Rejected
	Stats            *protocol.StatsMessage
	Orientation      *protocol.OrientationData
	BulkBatch        *protocol.BulkBatch
	BulkHello        *protocol.BulkListenerConnected
	SensorData       *protocol.SensorData
	UserConnected    *protocol.UserConnected
	UserDisconnected *protocol.UserDisconnected
	DataReceived     *protocol.DataReceived
	ErrorEvent       *protocol.ErrorEvent
}

// ParseEvent decodes one server message by its type discriminator.
// Unknown types are not an error: the relay may grow message kinds faster
// than its clients, so they surface with Type and Raw only.
func ParseEvent(b []byte) (*Event, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	ev := &Event{Type: env.Type, Raw: raw}
	var target any
	switch env.Type {
	case protocol.TypeWelcome:
		ev.Welcome = &protocol.Welcome{}
		target = ev.Welcome
	case protocol.TypeObserverMode:
		ev.ObserverMode = &protocol.ObserverMode{}
		target = ev.ObserverMode
	case protocol.TypeSenderChanged:
		ev.SenderChanged = &protocol.SenderChanged{}
		target = ev.SenderChanged
	case protocol.TypeAck:
		ev.Ack = &protocol.Ack{}
		target = ev.Ack
	case protocol.TypeRejected:
		ev.Rejected = &protocol.Rejected{}
		target = ev.Rejected
	case protocol.TypeStats:
		ev.Stats = &protocol.StatsMessage{}
		target = ev.Stats
	case protocol.TypeOrientationData:
		ev.Orientation = &protocol.OrientationData{}
		target = ev.Orientation
	case protocol.TypeBulkDataBatch:
		ev.BulkBatch = &protocol.BulkBatch{}
		target = ev.BulkBatch
	case protocol.TypeBulkListenerConnected:
		ev.BulkHello = &protocol.BulkListenerConnected{}
		target = ev.BulkHello
	case protocol.TypeSensorData:
		ev.SensorData = &protocol.SensorData{}
		target = ev.SensorData
	case protocol.TypeUserConnected:
		ev.UserConnected = &protocol.UserConnected{}
		target = ev.UserConnected
	case protocol.TypeUserDisconnected:
		ev.UserDisconnected = &protocol.UserDisconnected{}
		target = ev.UserDisconnected
	case protocol.TypeDataReceived:
		ev.DataReceived = &protocol.DataReceived{}
		target = ev.DataReceived
	case protocol.TypeError:
		ev.ErrorEvent = &protocol.ErrorEvent{}
		target = ev.ErrorEvent
	default:
		return ev, nil
	}
	if err := json.Unmarshal(b, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}
