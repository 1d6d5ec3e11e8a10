package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/jonmccon/pocket-parrot-sub000/internal/label"
)

// Client-to-server message types.
const (
	TypeHandshake = "handshake"
	TypeData      = "data"
	TypeDemote    = "demote"
	TypeGetStats  = "getStats"
)

// FrameConstraints caps inbound message sizes to prevent abuse.
type FrameConstraints struct {
	MaxFrameBytes int // Maximum total inbound JSON bytes.
	MaxLabelLen   int // Maximum username/deviceId length.
}

// DefaultFrameConstraints returns safe defaults for inbound validation.
//
// MaxFrameBytes leaves room for base64 photo and audio payloads.
func DefaultFrameConstraints() FrameConstraints {
	return FrameConstraints{
		MaxFrameBytes: 1 << 20,
		MaxLabelLen:   label.MaxLen,
	}
}

var (
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrInvalidJSON      = errors.New("invalid json")
	ErrMissingType      = errors.New("missing type")
	ErrUnknownType      = errors.New("unknown type")
	ErrMissingTimestamp = errors.New("data frame missing timestamp")
	ErrEmptyFrame       = errors.New("data frame has no sensor fields")
	ErrOrientationRange = errors.New("orientation out of range")
	ErrNotFinite        = errors.New("non-finite numeric value")
	ErrInvalidLabel     = errors.New("invalid label")
)

// GPS is a position fix reported by the capture client.
type GPS struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Alt      *float64 `json:"alt,omitempty"`
	Accuracy float64  `json:"accuracy"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
}

// Orientation is a device attitude sample. Compass is reported by some
// platforms alongside alpha and is forwarded untouched.
type Orientation struct {
	Alpha   float64  `json:"alpha"`
	Beta    float64  `json:"beta"`
	Gamma   float64  `json:"gamma"`
	Compass *float64 `json:"compass,omitempty"`
}

// Motion carries accelerometer readings.
type Motion struct {
	AX float64 `json:"ax"`
	AY float64 `json:"ay"`
	AZ float64 `json:"az"`
}

// Weather is an ambient conditions sample attached by the capture client.
type Weather struct {
	Temp          float64  `json:"temp"`
	Humidity      float64  `json:"humidity"`
	WindSpeed     float64  `json:"windSpeed"`
	WindDirection float64  `json:"windDirection"`
	WeatherCode   int      `json:"weatherCode"`
	Precipitation *float64 `json:"precipitation,omitempty"`
	CloudCover    *float64 `json:"cloudCover,omitempty"`
}

// DetectedObject is one entry of an on-device object detection pass.
type DetectedObject struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	BBox  []float64 `json:"bbox"`
}

// SensorFrame is a validated data message from the active sender.
// At least one sensor field is present after validation.
type SensorFrame struct {
	ID              string           `json:"id,omitempty"`
	Timestamp       string           `json:"timestamp"`
	GPS             *GPS             `json:"gps,omitempty"`
	Orientation     *Orientation     `json:"orientation,omitempty"`
	Motion          *Motion          `json:"motion,omitempty"`
	Weather         *Weather         `json:"weather,omitempty"`
	ObjectsDetected []DetectedObject `json:"objectsDetected,omitempty"`
	PhotoBase64     string           `json:"photoBase64,omitempty"`
	AudioBase64     string           `json:"audioBase64,omitempty"`
}

// Handshake carries the sender's self-reported labels. Both are opaque to
// the relay: normalized and length-capped, never uniqueness-checked.
type Handshake struct {
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}

// Inbound is a decoded client message. The payload field matching Type is
// set; the others are nil.
type Inbound struct {
	Type      string
	Handshake *Handshake
	Frame     *SensorFrame
}

type inboundEnvelope struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
	SensorFrame
}

// ParseInbound validates and decodes a client JSON message using
// DefaultFrameConstraints.
func ParseInbound(b []byte) (*Inbound, error) {
	return ParseInboundWithConstraints(b, DefaultFrameConstraints())
}

// ParseInboundWithConstraints validates and decodes a client JSON message.
//
// Zero-valued fields in c are filled from DefaultFrameConstraints.
func ParseInboundWithConstraints(b []byte, c FrameConstraints) (*Inbound, error) {
	def := DefaultFrameConstraints()
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.MaxLabelLen == 0 {
		c.MaxLabelLen = def.MaxLabelLen
	}
	if c.MaxFrameBytes > 0 && len(b) > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	var env inboundEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, ErrInvalidJSON
	}
	switch env.Type {
	case "":
		return nil, ErrMissingType
	case TypeHandshake:
		h := &Handshake{
			Username: label.Normalize(env.Username),
			DeviceID: label.Normalize(env.DeviceID),
		}
		if err := label.Validate(h.Username, c.MaxLabelLen); err != nil {
			return nil, fmt.Errorf("username: %w", ErrInvalidLabel)
		}
		if err := label.Validate(h.DeviceID, c.MaxLabelLen); err != nil {
			return nil, fmt.Errorf("deviceId: %w", ErrInvalidLabel)
		}
		return &Inbound{Type: TypeHandshake, Handshake: h}, nil
	case TypeData:
		f := env.SensorFrame
		if err := ValidateFrame(&f); err != nil {
			return nil, err
		}
		return &Inbound{Type: TypeData, Frame: &f}, nil
	case TypeDemote:
		return &Inbound{Type: TypeDemote}, nil
	case TypeGetStats:
		return &Inbound{Type: TypeGetStats}, nil
	default:
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownType)
	}
}

// ValidateFrame enforces the data-frame contract: a timestamp, at least one
// sensor field, orientation angles in range, finite numbers everywhere.
func ValidateFrame(f *SensorFrame) error {
	if f.Timestamp == "" {
		return ErrMissingTimestamp
	}
	if !f.hasSensorField() {
		return ErrEmptyFrame
	}
	if o := f.Orientation; o != nil {
		if !finite(o.Alpha) || !finite(o.Beta) || !finite(o.Gamma) {
			return fmt.Errorf("orientation: %w", ErrNotFinite)
		}
		if o.Alpha < 0 || o.Alpha >= 360 {
			return fmt.Errorf("alpha %v: %w", o.Alpha, ErrOrientationRange)
		}
		if o.Beta < -180 || o.Beta > 180 {
			return fmt.Errorf("beta %v: %w", o.Beta, ErrOrientationRange)
		}
		if o.Gamma < -90 || o.Gamma > 90 {
			return fmt.Errorf("gamma %v: %w", o.Gamma, ErrOrientationRange)
		}
		if o.Compass != nil && !finite(*o.Compass) {
			return fmt.Errorf("compass: %w", ErrNotFinite)
		}
	}
	if g := f.GPS; g != nil {
		if !finiteAll(g.Lat, g.Lon, g.Accuracy) || !finitePtrs(g.Alt, g.Speed, g.Heading) {
			return fmt.Errorf("gps: %w", ErrNotFinite)
		}
	}
	if m := f.Motion; m != nil {
		if !finiteAll(m.AX, m.AY, m.AZ) {
			return fmt.Errorf("motion: %w", ErrNotFinite)
		}
	}
	if w := f.Weather; w != nil {
		if !finiteAll(w.Temp, w.Humidity, w.WindSpeed, w.WindDirection) || !finitePtrs(w.Precipitation, w.CloudCover) {
			return fmt.Errorf("weather: %w", ErrNotFinite)
		}
	}
	for i := range f.ObjectsDetected {
		o := &f.ObjectsDetected[i]
		if !finite(o.Score) || !finiteAll(o.BBox...) {
			return fmt.Errorf("objectsDetected[%d]: %w", i, ErrNotFinite)
		}
	}
	return nil
}

func (f *SensorFrame) hasSensorField() bool {
	return f.GPS != nil || f.Orientation != nil || f.Motion != nil || f.Weather != nil ||
		len(f.ObjectsDetected) > 0 || f.PhotoBase64 != "" || f.AudioBase64 != ""
}

// HasBulkContent reports whether the frame carries anything beyond
// orientation, i.e. whether splitting it yields a bulk item.
func (f *SensorFrame) HasBulkContent() bool {
	return f.GPS != nil || f.Motion != nil || f.Weather != nil ||
		len(f.ObjectsDetected) > 0 || f.PhotoBase64 != "" || f.AudioBase64 != ""
}

// Split derives the two fan-out messages from an accepted frame. Either
// result may be nil: orientation when the frame has no orientation sample,
// bulk when orientation was the frame's only content. Both carry the
// frame's own timestamp.
func Split(f *SensorFrame, userID, username string) (*OrientationData, *BulkItem) {
	var od *OrientationData
	if f.Orientation != nil {
		o := *f.Orientation
		od = &OrientationData{
			Type:        TypeOrientationData,
			Timestamp:   f.Timestamp,
			UserID:      userID,
			Username:    username,
			Orientation: &o,
		}
	}
	var bi *BulkItem
	if f.HasBulkContent() {
		bi = &BulkItem{
			Timestamp:       f.Timestamp,
			UserID:          userID,
			Username:        username,
			GPS:             f.GPS,
			Motion:          f.Motion,
			Weather:         f.Weather,
			ObjectsDetected: f.ObjectsDetected,
			PhotoBase64:     f.PhotoBase64,
			AudioBase64:     f.AudioBase64,
		}
	}
	return od, bi
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteAll(vs ...float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}

func finitePtrs(vs ...*float64) bool {
	for _, v := range vs {
		if v != nil && !finite(*v) {
			return false
		}
	}
	return true
}
