package protocol

import (
	"errors"
	"time"
)

// Server-to-client message types.
const (
	TypeWelcome                      = "welcome"
	TypePromoted                     = "promoted"
	TypeObserverMode                 = "observer_mode"
	TypeSenderChanged                = "sender_changed"
	TypeAck                          = "ack"
	TypeRejected                     = "rejected"
	TypeEvicted                      = "evicted"
	TypeServerShutdown               = "server_shutdown"
	TypeListenerConnected            = "listener_connected"
	TypeOrientationListenerConnected = "orientation_listener_connected"
	TypeBulkListenerConnected        = "bulk_listener_connected"
	TypeSensorData                   = "sensor_data"
	TypeOrientationData              = "orientation_data"
	TypeBulkDataBatch                = "bulk_data_batch"
	TypeStats                        = "stats"
	TypeUserConnected                = "user_connected"
	TypeUserDisconnected             = "user_disconnected"
	TypeDataReceived                 = "data_received"
	TypeError                        = "error"
)

// Rejection reasons carried by rejected messages to senders.
const (
	ReasonNotActive        = "not_active"
	ReasonInvalidJSON      = "invalid_json"
	ReasonUnknownType      = "unknown_type"
	ReasonMissingTimestamp = "missing_timestamp"
	ReasonEmptyFrame       = "empty_frame"
	ReasonOrientationRange = "orientation_range"
	ReasonNotFinite        = "non_finite_value"
	ReasonFrameTooLarge    = "frame_too_large"
)

// RejectReason maps a parse/validation error to its wire rejection reason.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return ReasonFrameTooLarge
	case errors.Is(err, ErrInvalidJSON):
		return ReasonInvalidJSON
	case errors.Is(err, ErrMissingType), errors.Is(err, ErrUnknownType):
		return ReasonUnknownType
	case errors.Is(err, ErrMissingTimestamp):
		return ReasonMissingTimestamp
	case errors.Is(err, ErrEmptyFrame):
		return ReasonEmptyFrame
	case errors.Is(err, ErrOrientationRange):
		return ReasonOrientationRange
	case errors.Is(err, ErrNotFinite):
		return ReasonNotFinite
	default:
		return ReasonInvalidJSON
	}
}

// TimestampLayout is the wire timestamp format: ISO 8601 with millisecond
// precision in UTC, matching what browser clients produce.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t for the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Welcome acknowledges a sender handshake.
type Welcome struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	ClientID   string `json:"clientId"`
	ServerTime string `json:"serverTime"`
}

// Promoted tells a sender it is now the active sender.
type Promoted struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ObserverMode tells a sender its zero-based place in the promotion queue.
type ObserverMode struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Position  int    `json:"position"`
}

// SenderChanged announces a new active sender to the other senders.
type SenderChanged struct {
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	NewActiveID string `json:"newActiveId"`
}

// Ack confirms receipt of one data frame. Received echoes the frame's
// client-side id when one was supplied.
type Ack struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Received  string `json:"received,omitempty"`
}

// Rejected reports a refused inbound message and why.
type Rejected struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

// Evicted precedes the forced close of the oldest sender at capacity.
type Evicted struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ServerShutdown announces drain; the transport closes shortly after.
type ServerShutdown struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ListenerConnected greets a new passive listener.
type ListenerConnected struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// OrientationListenerConnected greets a new orientation listener.
type OrientationListenerConnected struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// BulkListenerConnected greets a new bulk listener with the batching knobs
// it should expect.
type BulkListenerConnected struct {
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	BatchInterval int64  `json:"batchInterval"` // milliseconds
	MaxBatchSize  int    `json:"maxBatchSize"`
}

// SensorData forwards one unsplit frame to passive listeners.
type SensorData struct {
	Type      string       `json:"type"`
	Timestamp string       `json:"timestamp"`
	UserID    string       `json:"userId"`
	Username  string       `json:"username,omitempty"`
	Data      *SensorFrame `json:"data"`
}

// OrientationData is the fast-path message to orientation listeners.
type OrientationData struct {
	Type        string       `json:"type"`
	Timestamp   string       `json:"timestamp"`
	UserID      string       `json:"userId"`
	Username    string       `json:"username,omitempty"`
	Orientation *Orientation `json:"orientation"`
}

// BulkItem is the non-orientation remainder of one frame, as flushed in
// batches to bulk listeners. Never contains orientation fields.
type BulkItem struct {
	Timestamp       string           `json:"timestamp"`
	UserID          string           `json:"userId"`
	Username        string           `json:"username,omitempty"`
	GPS             *GPS             `json:"gps,omitempty"`
	Motion          *Motion          `json:"motion,omitempty"`
	Weather         *Weather         `json:"weather,omitempty"`
	ObjectsDetected []DetectedObject `json:"objectsDetected,omitempty"`
	PhotoBase64     string           `json:"photoBase64,omitempty"`
	AudioBase64     string           `json:"audioBase64,omitempty"`
}

// BulkBatch is one flush unit. BatchSize always equals len(Data).
type BulkBatch struct {
	Type      string     `json:"type"`
	Timestamp string     `json:"timestamp"`
	BatchSize int        `json:"batchSize"`
	Data      []BulkItem `json:"data"`
}

// UserStat describes one sender inside a stats snapshot.
type UserStat struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connectedAt"`
	DataCount   int64  `json:"dataCount"`
	LastData    string `json:"lastData,omitempty"`
	Username    string `json:"username,omitempty"`
}

// StatsSnapshot is the relay's point-in-time view pushed to dashboards and
// passive listeners.
type StatsSnapshot struct {
	ActiveUsers          int        `json:"activeUsers"`
	MaxUsers             int        `json:"maxUsers"`
	OrientationListeners int        `json:"orientationListeners"`
	BulkDataListeners    int        `json:"bulkDataListeners"`
	PassiveListeners     int        `json:"passiveListeners"`
	Dashboards           int        `json:"dashboards"`
	TotalDataPoints      int64      `json:"totalDataPoints"`
	DataRatePerMinute    int64      `json:"dataRatePerMinute"`
	BulkQueueSize        int        `json:"bulkQueueSize"`
	UptimeSeconds        int64      `json:"uptimeSeconds"`
	Users                []UserStat `json:"users"`
}

// StatsMessage wraps a snapshot for the wire.
type StatsMessage struct {
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	Stats     StatsSnapshot `json:"stats"`
}

// UserConnected tells dashboards a sender arrived.
type UserConnected struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	UserID     string `json:"userId"`
	Username   string `json:"username,omitempty"`
	TotalUsers int    `json:"totalUsers"`
}

// UserDisconnected tells dashboards a sender left.
type UserDisconnected struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	UserID     string `json:"userId"`
	Username   string `json:"username,omitempty"`
	TotalUsers int    `json:"totalUsers"`
}

// DataReceived tells dashboards one frame was accepted.
type DataReceived struct {
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	UserID      string `json:"userId"`
	PointNumber int64  `json:"pointNumber"`
}

// ErrorEvent surfaces a server-side error to dashboards.
type ErrorEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

func NewWelcome(clientID string, now time.Time) Welcome {
	ts := Timestamp(now)
	return Welcome{Type: TypeWelcome, Timestamp: ts, ClientID: clientID, ServerTime: ts}
}

func NewPromoted(now time.Time) Promoted {
	return Promoted{Type: TypePromoted, Timestamp: Timestamp(now)}
}

func NewObserverMode(position int, now time.Time) ObserverMode {
	return ObserverMode{Type: TypeObserverMode, Timestamp: Timestamp(now), Position: position}
}

func NewSenderChanged(newActiveID string, now time.Time) SenderChanged {
	return SenderChanged{Type: TypeSenderChanged, Timestamp: Timestamp(now), NewActiveID: newActiveID}
}

func NewAck(received string, now time.Time) Ack {
	return Ack{Type: TypeAck, Timestamp: Timestamp(now), Received: received}
}

func NewRejected(reason string, now time.Time) Rejected {
	return Rejected{Type: TypeRejected, Timestamp: Timestamp(now), Reason: reason}
}

func NewEvicted(now time.Time) Evicted {
	return Evicted{Type: TypeEvicted, Timestamp: Timestamp(now)}
}

func NewServerShutdown(now time.Time) ServerShutdown {
	return ServerShutdown{Type: TypeServerShutdown, Timestamp: Timestamp(now)}
}

func NewListenerConnected(now time.Time) ListenerConnected {
	return ListenerConnected{Type: TypeListenerConnected, Timestamp: Timestamp(now)}
}

func NewOrientationListenerConnected(now time.Time) OrientationListenerConnected {
	return OrientationListenerConnected{Type: TypeOrientationListenerConnected, Timestamp: Timestamp(now)}
}

func NewBulkListenerConnected(interval time.Duration, maxBatch int, now time.Time) BulkListenerConnected {
	return BulkListenerConnected{
		Type:          TypeBulkListenerConnected,
		Timestamp:     Timestamp(now),
		BatchInterval: interval.Milliseconds(),
		MaxBatchSize:  maxBatch,
	}
}

func NewSensorData(userID, username string, f *SensorFrame, now time.Time) SensorData {
	return SensorData{Type: TypeSensorData, Timestamp: Timestamp(now), UserID: userID, Username: username, Data: f}
}

func NewBulkBatch(items []BulkItem, now time.Time) BulkBatch {
	return BulkBatch{Type: TypeBulkDataBatch, Timestamp: Timestamp(now), BatchSize: len(items), Data: items}
}

func NewStatsMessage(s StatsSnapshot, now time.Time) StatsMessage {
	return StatsMessage{Type: TypeStats, Timestamp: Timestamp(now), Stats: s}
}

func NewUserConnected(userID, username string, total int, now time.Time) UserConnected {
	return UserConnected{Type: TypeUserConnected, Timestamp: Timestamp(now), UserID: userID, Username: username, TotalUsers: total}
}

func NewUserDisconnected(userID, username string, total int, now time.Time) UserDisconnected {
	return UserDisconnected{Type: TypeUserDisconnected, Timestamp: Timestamp(now), UserID: userID, Username: username, TotalUsers: total}
}

func NewDataReceived(userID string, pointNumber int64, now time.Time) DataReceived {
	return DataReceived{Type: TypeDataReceived, Timestamp: Timestamp(now), UserID: userID, PointNumber: pointNumber}
}

func NewErrorEvent(message string, now time.Time) ErrorEvent {
	return ErrorEvent{Type: TypeError, Timestamp: Timestamp(now), Message: message}
}
