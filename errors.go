package pulse

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle misuse. These are returned wrapped; test
// with errors.Is.
var (
	// ErrAlreadyActive is returned by start when the session is not Ready,
	// or by the coordinator when a recording is already in progress.
	ErrAlreadyActive = errors.New("pulse: recording already active")
	// ErrNotActive is returned by stop when no recording is in progress.
	ErrNotActive = errors.New("pulse: no active recording")
	// ErrNoFrames is returned by stop when zero frames were captured; no
	// output file is left on disk in that case.
	ErrNoFrames = errors.New("pulse: no frames captured")
)

// ConfigError reports configuration a session cannot record with.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pulse: invalid config: %s %s", e.Field, e.Reason)
}

// InitError reports a native setup failure during pre-initialization or the
// slow start path.
type InitError struct {
	Stage string // "capture", "encoder", "audio"
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("pulse: %s initialization failed: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// EncodingError reports a mid-stream codec or mux failure. It drives the
// owning session to Failed.
type EncodingError struct {
	Op  string // "encode", "mux", "flush"
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("pulse: %s failed: %v", e.Op, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// IOError reports a filesystem failure around the output file.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("pulse: io failure on %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Error codes for structured notifications, mirroring the events the
// desktop frontend consumes.
const (
	CodeConfig        = "CONFIG_ERROR"
	CodeInit          = "INIT_ERROR"
	CodeAlreadyActive = "ALREADY_ACTIVE"
	CodeNotActive     = "NOT_ACTIVE"
	CodeEncoding      = "ENCODING_ERROR"
	CodeNoFrames      = "NO_FRAMES"
	CodeIO            = "IO_ERROR"
	CodeCapture       = "CAPTURE_ERROR"
	CodeSlowStart     = "SLOW_START"
)

// ErrorCode maps an error to its notification code.
func ErrorCode(err error) string {
	var (
		cfgErr  *ConfigError
		initErr *InitError
		encErr  *EncodingError
		ioErr   *IOError
	)
	switch {
	case errors.Is(err, ErrAlreadyActive):
		return CodeAlreadyActive
	case errors.Is(err, ErrNotActive):
		return CodeNotActive
	case errors.Is(err, ErrNoFrames):
		return CodeNoFrames
	case errors.As(err, &cfgErr):
		return CodeConfig
	case errors.As(err, &initErr):
		return CodeInit
	case errors.As(err, &encErr):
		return CodeEncoding
	case errors.As(err, &ioErr):
		return CodeIO
	default:
		return CodeCapture
	}
}
