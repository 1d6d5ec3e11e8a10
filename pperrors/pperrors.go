package pperrors

import "fmt"

// Surface identifies the top-level component an error belongs to.
type Surface string

const (
	SurfaceRelay  Surface = "relay"
	SurfaceClient Surface = "client"
	SurfaceSink   Surface = "sink"
)

// Stage identifies which step of an operation failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageListen    Stage = "listen"
	StageUpgrade   Stage = "upgrade"
	StageAdmit     Stage = "admit"
	StageDial      Stage = "dial"
	StageHandshake Stage = "handshake"
	StageRead      Stage = "read"
	StageWrite     Stage = "write"
	StageForward   Stage = "forward"
	StageShutdown  Stage = "shutdown"
)

// Code is a stable, programmatic error identifier for user-facing operations.
type Code string

const (
	CodeTimeout            Code = "timeout"
	CodeCanceled           Code = "canceled"
	CodeInvalidConfig      Code = "invalid_config"
	CodeInvalidInput       Code = "invalid_input"
	CodeBindFailed         Code = "bind_failed"
	CodeUpgradeFailed      Code = "upgrade_failed"
	CodeUnknownPath        Code = "unknown_path"
	CodeCapacityReached    Code = "capacity_reached"
	CodeNotActive          Code = "not_active"
	CodeSlowConsumer       Code = "slow_consumer"
	CodeSlowControlChannel Code = "slow_control_channel"
	CodeQueueClosed        Code = "queue_closed"
	CodeNotConnected       Code = "not_connected"
	CodeDialFailed         Code = "dial_failed"
	CodeMuxFailed          Code = "mux_failed"
	CodeOpenStreamFailed   Code = "open_stream_failed"
	CodeEncodeFailed       Code = "encode_failed"
	CodeClosed             Code = "closed"
)

// Error is a structured, programmatically identifiable error for user-facing operations.
type Error struct {
	Surface Surface
	Stage   Stage
	Code    Code
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Surface, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Surface, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(surface Surface, stage Stage, code Code, err error) error {
	return &Error{Surface: surface, Stage: stage, Code: code, Err: err}
}
