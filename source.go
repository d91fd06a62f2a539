package pulse

import (
	"context"
	"time"
)

// FrameSource delivers raw video frames while active.
//
// Implementations must guarantee:
//   - Open() performs all expensive native setup; it may take seconds.
//   - Start() after a successful Open() is near-instant and returns a
//     channel that stays open until Stop().
//   - Frame sequence numbers are strictly increasing from 0 with no gaps.
//   - Stop() is idempotent and releases all native resources.
//   - A fatal mid-delivery error is sent on Fatal() and the frame channel
//     is closed; the source does not attempt recovery.
type FrameSource interface {
	// Open builds and prerolls the native capture machinery without
	// delivering frames. Calling Open twice is an error.
	Open(ctx context.Context) error

	// Start begins asynchronous one-at-a-time frame delivery. The
	// returned channel is closed by Stop or after a fatal error.
	Start(ctx context.Context) (<-chan Frame, error)

	// Stop halts delivery and releases native resources. Safe to call
	// multiple times and before Start.
	Stop() error

	// Fatal reports an unrecoverable delivery error. The channel is
	// buffered; at most one error is ever sent.
	Fatal() <-chan error

	// Stats returns delivery statistics. Thread-safe.
	Stats() SourceStats
}

// AudioSource delivers captured microphone samples while active. Sequencing
// is independent of the video frame sequence.
type AudioSource interface {
	Open(ctx context.Context) error
	Start(ctx context.Context) (<-chan AudioChunk, error)
	Stop() error
	Fatal() <-chan error
}

// SourceStats is a snapshot of a FrameSource's delivery statistics.
type SourceStats struct {
	// FramesDelivered is the number of frames handed to the consumer.
	FramesDelivered uint64
	// FramesDropped is the number of frames discarded because the
	// consumer was not keeping up.
	FramesDropped uint64
	// BytesRead is the total raw pixel bytes delivered.
	BytesRead uint64
	// FPSMean is the measured delivery rate since Start.
	FPSMean float64
	// LastFrameAt is the capture time of the most recent frame.
	LastFrameAt time.Time
}
