package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// firstFrameTimeout bounds how long Start waits for the encoder to accept
// the first frame before declaring the recording failed.
const firstFrameTimeout = 2 * time.Second

// CaptureSession drives one recording from pre-initialization to a
// finalized file.
//
// State transitions are monotonic (see SessionState). A session records at
// most once; the coordinator constructs a fresh session for every
// recording.
type CaptureSession struct {
	id  string
	cfg RecordingConfig

	source   FrameSource
	audio    AudioSource
	encoder  *Encoder
	notifier Notifier

	mu      sync.Mutex
	state   SessionState
	failErr error

	wg         sync.WaitGroup
	confirmed  atomic.Bool
	firstFrame chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
	startedAt  time.Time

	nextSeq uint64
}

// NewCaptureSession builds a session around the production screen (and
// optionally microphone) sources.
func NewCaptureSession(cfg RecordingConfig) (*CaptureSession, error) {
	cfg = cfg.withDefaults()

	source, err := NewScreenSource(cfg)
	if err != nil {
		return nil, err
	}

	var audio AudioSource
	if cfg.Microphone {
		audio = NewMicSource(cfg.MicrophoneDevice)
	}

	return NewCaptureSessionWithSources(cfg, source, audio)
}

// NewCaptureSessionWithSources builds a session around caller-provided
// sources. Used by tests and by callers with custom capture backends.
func NewCaptureSessionWithSources(cfg RecordingConfig, source FrameSource, audio AudioSource) (*CaptureSession, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, &ConfigError{Field: "source", Reason: "frame source is required"}
	}

	encoder, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}

	return &CaptureSession{
		id:         uuid.New().String(),
		cfg:        cfg,
		source:     source,
		audio:      audio,
		encoder:    encoder,
		notifier:   LogNotifier{},
		firstFrame: make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateIdle,
	}, nil
}

// SetNotifier replaces the default log-backed notifier. Must be called
// before PreInitialize or Start.
func (s *CaptureSession) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// ID returns the session's unique identifier.
func (s *CaptureSession) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *CaptureSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause after the session entered Failed.
func (s *CaptureSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// StartedAt returns when Start was called, zero before that.
func (s *CaptureSession) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Confirmed reports whether the encoder has accepted at least one frame.
func (s *CaptureSession) Confirmed() bool {
	return s.confirmed.Load()
}

// transition moves the state machine forward under the lock. Returns an
// error when the current state does not allow the move.
func (s *CaptureSession) transition(from, to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		switch {
		case s.state == to:
			return ErrAlreadyActive
		case s.state.terminal():
			return ErrNotActive
		default:
			return fmt.Errorf("cannot move %s session to %s", s.state, to)
		}
	}
	s.state = to
	return nil
}

// PreInitialize performs the expensive capture setup ahead of the trigger:
// after it returns the session can start recording in milliseconds.
//
// A microphone that fails to open degrades the session to video-only with
// a warning rather than failing it; losing the clip over a missing audio
// device is the worse outcome.
func (s *CaptureSession) PreInitialize(ctx context.Context) error {
	if err := s.transition(StateIdle, StatePreInitializing); err != nil {
		return err
	}

	began := time.Now()
	if err := s.source.Open(ctx); err != nil {
		s.fail(err)
		return err
	}

	if s.audio != nil {
		if err := s.audio.Open(ctx); err != nil {
			slog.Warn("session: microphone open failed, continuing without audio",
				"session_id", s.id,
				"error", err,
			)
			s.notifier.Warning(CodeCapture, fmt.Sprintf("microphone unavailable: %v", err))
			s.audio = nil
		}
	}

	if err := s.transition(StatePreInitializing, StateReady); err != nil {
		return err
	}

	slog.Info("session: pre-initialized",
		"session_id", s.id,
		"took", time.Since(began),
	)
	return nil
}

// Start begins recording. A session that was not pre-initialized takes the
// slow path and performs the full setup inline.
//
// Start returns once the encoder has accepted the first frame, so a nil
// return means pixels are being written. It fails if no frame arrives
// within the confirmation timeout.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateIdle {
		if err := s.PreInitialize(ctx); err != nil {
			return err
		}
	}

	if err := s.transition(StateReady, StateRecording); err != nil {
		return err
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	frames, err := s.source.Start(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	var chunks <-chan AudioChunk
	if s.audio != nil {
		chunks, err = s.audio.Start(ctx)
		if err != nil {
			slog.Warn("session: microphone start failed, continuing without audio",
				"session_id", s.id,
				"error", err,
			)
			s.notifier.Warning(CodeCapture, fmt.Sprintf("microphone unavailable: %v", err))
			s.audio = nil
			chunks = nil
		}
	}

	s.wg.Add(1)
	go s.pumpFrames(frames)
	if chunks != nil {
		s.wg.Add(1)
		go s.pumpAudio(chunks)
	}
	s.wg.Add(1)
	go s.watchFatal()

	select {
	case <-s.firstFrame:
	case <-ctx.Done():
		err := ctx.Err()
		s.fail(err)
		return err
	case <-time.After(firstFrameTimeout):
		err := &InitError{
			Stage: "first_frame",
			Err:   fmt.Errorf("no frame accepted within %s", firstFrameTimeout),
		}
		s.fail(err)
		return err
	}

	s.notifier.RecordingStatus(StatusRecording)
	slog.Info("session: recording",
		"session_id", s.id,
		"path", s.cfg.OutputPath,
	)
	return nil
}

// pumpFrames feeds captured frames to the encoder, enforcing sequence
// continuity. Exits when the source closes its channel.
func (s *CaptureSession) pumpFrames(frames <-chan Frame) {
	defer s.wg.Done()

	for frame := range frames {
		if frame.Seq != s.nextSeq {
			s.fail(&EncodingError{
				Op:  "pump",
				Err: fmt.Errorf("frame sequence gap: want %d, got %d", s.nextSeq, frame.Seq),
			})
			return
		}
		s.nextSeq++

		if err := s.encoder.WriteFrame(frame); err != nil {
			// The encoder rejects frames after Stop; that is shutdown
			// ordering, not a failure.
			if errors.Is(err, ErrNotActive) {
				return
			}
			s.fail(err)
			return
		}

		if s.confirmed.CompareAndSwap(false, true) {
			close(s.firstFrame)
		}
	}
}

func (s *CaptureSession) pumpAudio(chunks <-chan AudioChunk) {
	defer s.wg.Done()

	for chunk := range chunks {
		if err := s.encoder.WriteAudio(chunk); err != nil {
			if errors.Is(err, ErrNotActive) {
				return
			}
			slog.Warn("session: audio write failed, muting remainder",
				"session_id", s.id,
				"error", err,
			)
			s.notifier.Warning(CodeEncoding, fmt.Sprintf("audio dropped: %v", err))
			return
		}
	}
}

// watchFatal fails the session if a source reports an unrecoverable error
// mid-recording. An audio fatal only degrades the recording, so the watch
// must keep covering the video source afterwards.
func (s *CaptureSession) watchFatal() {
	defer s.wg.Done()

	fatals := s.source.Fatal()
	var audioFatals <-chan error
	if s.audio != nil {
		audioFatals = s.audio.Fatal()
	}

	for {
		select {
		case <-s.done:
			return
		case err, ok := <-fatals:
			if !ok {
				fatals = nil
				continue
			}
			if err != nil {
				s.fail(&EncodingError{Op: "capture", Err: err})
			}
			return
		case err, ok := <-audioFatals:
			audioFatals = nil
			if ok && err != nil {
				slog.Warn("session: audio source failed, continuing video-only",
					"session_id", s.id,
					"error", err,
				)
				s.notifier.Warning(CodeCapture, fmt.Sprintf("audio lost: %v", err))
			}
		}
	}
}

// signalDone releases the fatal watcher during shutdown.
func (s *CaptureSession) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Stop ends the recording and finalizes the file. Returns the recording
// result, or ErrNoFrames when nothing was captured (no file is left
// behind in that case).
func (s *CaptureSession) Stop() (RecordingResult, error) {
	if err := s.transition(StateRecording, StateStopping); err != nil {
		// Whatever the exact state, there is nothing to stop.
		return RecordingResult{}, ErrNotActive
	}

	slog.Info("session: stopping", "session_id", s.id)

	// Stopping the sources closes their channels, which drains the pumps.
	s.signalDone()
	s.source.Stop()
	if s.audio != nil {
		s.audio.Stop()
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(stopTimeout):
		slog.Warn("session: pump drain timeout exceeded", "session_id", s.id)
	}

	result, err := s.encoder.Stop()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.notifier.RecordingStatus(StatusIdle)
	if err != nil {
		return result, err
	}

	s.notifier.Saved(ClipSaved{
		Path:       result.Path,
		DurationMs: uint64(result.Duration * 1000),
	})
	return result, nil
}

// Close releases resources from any state. A Ready session that never
// recorded is torn down without touching the output path. Idempotent.
func (s *CaptureSession) Close() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateRecording {
		_, err := s.Stop()
		if err != nil && !errors.Is(err, ErrNoFrames) {
			return err
		}
		return nil
	}
	if state.terminal() {
		return nil
	}

	s.signalDone()
	s.source.Stop()
	if s.audio != nil {
		s.audio.Stop()
	}

	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateStopped
	}
	s.mu.Unlock()

	slog.Debug("session: closed without recording", "session_id", s.id)
	return nil
}

// fail moves the session to Failed, tears capture down, and salvages
// whatever the encoder already wrote. The first failure wins.
func (s *CaptureSession) fail(err error) {
	s.mu.Lock()
	if s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failErr = err
	s.mu.Unlock()

	s.signalDone()

	slog.Error("session: failed",
		"session_id", s.id,
		"error", err,
		"code", ErrorCode(err),
	)

	s.source.Stop()
	if s.audio != nil {
		s.audio.Stop()
	}

	// Packets already on disk are kept as a playable truncated file; the
	// encoder aborts the file if nothing was written.
	if result, encErr := s.encoder.Stop(); encErr == nil && result.Packets > 0 {
		s.notifier.Saved(ClipSaved{
			Path:       result.Path,
			DurationMs: uint64(result.Duration * 1000),
		})
	}

	s.notifier.RecordingStatus(StatusIdle)
	s.notifier.Failure(ErrorCode(err), err.Error())
}
