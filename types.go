package pulse

import "time"

// Frame is a single captured video frame with metadata.
type Frame struct {
	// Seq is the monotonic sequence number, starting at 0 for the first
	// frame of a recording. Strictly increasing with no gaps while the
	// owning session is Recording.
	Seq uint64
	// Timestamp is when the frame was captured.
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw pixel data (RGB24, width*height*3 bytes).
	Data []byte
	// TraceID is a unique identifier for correlating a frame across
	// capture, encode and log output.
	TraceID string
}

// AudioChunk is a block of captured microphone samples.
type AudioChunk struct {
	// Seq is the monotonic chunk sequence number, independent of the
	// video frame sequence.
	Seq uint64
	// Timestamp is when the first sample of the chunk was captured.
	Timestamp time.Time
	// Data contains interleaved S16LE samples.
	Data []byte
	// SampleRate in Hz.
	SampleRate int
	// Channels is the interleaved channel count.
	Channels int
}

// Packet is a unit of compressed bitstream produced by the encoder and
// written exactly once to the container.
type Packet struct {
	// Data is the compressed payload.
	Data []byte
	// PTS is the presentation timestamp in stream time.
	PTS time.Duration
	// DTS is the decode timestamp. Equal to PTS for streams without
	// frame reordering.
	DTS time.Duration
	// Duration is the packet's display duration.
	Duration time.Duration
	// StreamIndex is the target container stream (0 = video, 1 = audio).
	StreamIndex int
	// Keyframe marks packets that start a decodable group.
	Keyframe bool
}

// RecordingResult describes a finalized recording.
type RecordingResult struct {
	// Path of the finalized container file.
	Path string
	// Duration of the recording in seconds.
	Duration float64
	// Frames is the number of video frames accepted by the encoder.
	Frames uint64
	// Packets is the number of video packets written to the container.
	Packets uint64
}

// SessionState is the lifecycle state of a CaptureSession.
//
// Transitions are monotonic: Idle → PreInitializing → Ready → Recording →
// Stopping → Stopped, with Failed reachable from any non-terminal state.
// Stopped and Failed are terminal; a new session must be constructed for
// the next recording.
type SessionState int32

const (
	StateIdle SessionState = iota
	StatePreInitializing
	StateReady
	StateRecording
	StateStopping
	StateStopped
	StateFailed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreInitializing:
		return "pre-initializing"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s SessionState) terminal() bool {
	return s == StateStopped || s == StateFailed
}

// PreInitStatus tracks the coordinator's background-prepared session,
// independent of any particular session's own state.
type PreInitStatus int32

const (
	PreInitNotInitialized PreInitStatus = iota
	PreInitInitializing
	PreInitReady
	PreInitShuttingDown
)

// String returns a human-readable status name.
func (s PreInitStatus) String() string {
	switch s {
	case PreInitNotInitialized:
		return "not-initialized"
	case PreInitInitializing:
		return "initializing"
	case PreInitReady:
		return "ready"
	case PreInitShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}
