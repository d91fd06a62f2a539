package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/mieweb/pulse-desktop/internal/capture"
)

const (
	// prerollTimeout bounds how long Open waits for the pipeline to reach
	// PAUSED. Preroll does the expensive native setup (display connection,
	// permission checks, first frame negotiation) and can take seconds on
	// a cold pipeline.
	prerollTimeout = 10 * time.Second

	// playTimeout bounds the PAUSED → PLAYING flip in Start. After a
	// successful preroll this is expected to be near-instant.
	playTimeout = 3 * time.Second

	// stopTimeout bounds the wait for delivery goroutines on Stop.
	stopTimeout = 3 * time.Second

	frameChanCapacity = 16
)

// ScreenSource captures display frames through GStreamer, implementing
// FrameSource.
//
// The lifecycle is split to make push-to-record fast: Open builds and
// prerolls the pipeline to PAUSED (slow, done ahead of time), Start flips
// it to PLAYING (fast, done on the trigger).
type ScreenSource struct {
	cfg RecordingConfig

	mu       sync.RWMutex
	elements *capture.PipelineElements
	internal chan capture.Frame
	frames   chan Frame
	fatal    chan error
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	opened   bool
	started  bool
	stopped  bool

	// Atomic counters shared with the appsink callback.
	delivered uint64
	dropped   uint64
	bytesRead uint64

	// Unix nanos of the last forwarded frame. Atomic so the forwarder
	// never contends with Stop, which holds mu across the drain wait.
	lastFrameNanos atomic.Int64

	startedAt time.Time
}

// NewScreenSource validates the configuration and returns an unopened
// source. No native resources are touched until Open.
func NewScreenSource(cfg RecordingConfig) (*ScreenSource, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ScreenSource{
		cfg:   cfg,
		fatal: make(chan error, 1),
	}, nil
}

// Open builds the capture pipeline and prerolls it to PAUSED. This is the
// expensive half of starting a recording; callers pre-initialize by doing
// it ahead of the trigger.
func (s *ScreenSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrNotActive
	}
	if s.opened {
		return fmt.Errorf("screen source already opened")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var region *capture.Region
	if r := s.cfg.Region; r != nil {
		region = &capture.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	}

	elements, err := capture.CreatePipeline(capture.PipelineConfig{
		FPS:       s.cfg.FPS,
		DisplayID: s.cfg.DisplayID,
		Cursor:    s.cfg.CaptureCursor,
		Region:    region,
	})
	if err != nil {
		return &InitError{Stage: "create_pipeline", Err: err}
	}

	// Internal channel decouples the capture package's frame type from the
	// public one. Overflow is counted (without consuming a sequence
	// number) at the callback, so forwarding below can block safely.
	s.internal = make(chan capture.Frame, frameChanCapacity)
	s.frames = make(chan Frame, frameChanCapacity)
	s.done = make(chan struct{})

	callbackCtx := &capture.CallbackContext{
		FrameChan: s.internal,
		Delivered: &s.delivered,
		Dropped:   &s.dropped,
		BytesRead: &s.bytesRead,
		Done:      s.done,
	}
	if region != nil {
		callbackCtx.Width = region.Width
		callbackCtx.Height = region.Height
	}

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return capture.OnNewSample(sink, callbackCtx)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePaused); err != nil {
		capture.DestroyPipeline(elements)
		return &InitError{Stage: "preroll", Err: err}
	}
	if err := capture.WaitForState(elements.Pipeline, gst.StatePaused, prerollTimeout); err != nil {
		capture.DestroyPipeline(elements)
		return &InitError{Stage: "preroll", Err: err}
	}

	s.elements = elements
	s.opened = true

	slog.Info("screen: pipeline prerolled",
		"fps", s.cfg.FPS,
		"display", s.cfg.DisplayID,
		"cursor", s.cfg.CaptureCursor,
	)
	return nil
}

// Start flips the prerolled pipeline to PLAYING and begins frame delivery.
// After a successful Open this completes in milliseconds.
func (s *ScreenSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrNotActive
	}
	if !s.opened {
		return nil, fmt.Errorf("screen source not opened")
	}
	if s.started {
		return nil, ErrAlreadyActive
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, &InitError{Stage: "play", Err: err}
	}
	if err := capture.WaitForState(s.elements.Pipeline, gst.StatePlaying, playTimeout); err != nil {
		return nil, &InitError{Stage: "play", Err: err}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.forwardFrames()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := capture.MonitorBus(monitorCtx, s.elements.Pipeline); err != nil {
			s.reportFatal(err)
		}
	}()

	slog.Info("screen: capture playing")
	return s.frames, nil
}

// forwardFrames converts internal frames to public ones. It blocks on the
// public channel rather than dropping, so the gap-free sequence numbers
// assigned at the callback survive to the consumer.
func (s *ScreenSource) forwardFrames() {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-s.done:
			return
		case f := <-s.internal:
			// Overflow at the callback means the consumer cannot keep up
			// and frames are being lost; that is unrecoverable while a
			// recording depends on every frame.
			if dropped := atomic.LoadUint64(&s.dropped); dropped > 0 {
				s.reportFatal(fmt.Errorf("frame overflow: %d frames dropped", dropped))
				return
			}
			frame := Frame{
				Seq:       f.Seq,
				Timestamp: f.Timestamp,
				Width:     f.Width,
				Height:    f.Height,
				Data:      f.Data,
				TraceID:   f.TraceID,
			}

			s.lastFrameNanos.Store(frame.Timestamp.UnixNano())

			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
	}
}

func (s *ScreenSource) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// reportFatal delivers at most one unrecoverable error and halts delivery.
func (s *ScreenSource) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
	s.closeDone()
}

// Stop halts delivery and releases the pipeline. Idempotent; safe to call
// before Start.
func (s *ScreenSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		slog.Debug("screen: already stopped")
		return nil
	}
	s.stopped = true

	if !s.opened {
		return nil
	}

	slog.Info("screen: stopping capture")

	if s.done != nil {
		s.closeDone()
	}
	if s.cancel != nil {
		s.cancel()
	}

	// Wait for goroutines with timeout
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		slog.Debug("screen: goroutines stopped cleanly")
	case <-time.After(stopTimeout):
		slog.Warn("screen: stop timeout exceeded, some goroutines may still be running")
	}

	if s.elements != nil {
		if err := capture.DestroyPipeline(s.elements); err != nil {
			slog.Error("screen: failed to destroy pipeline", "error", err)
		}
		s.elements = nil
	}

	delivered := atomic.LoadUint64(&s.delivered)
	dropped := atomic.LoadUint64(&s.dropped)
	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}
	slog.Info("screen: capture stopped",
		"frames_delivered", delivered,
		"frames_dropped", dropped,
		"uptime", uptime,
	)
	return nil
}

// Fatal reports an unrecoverable pipeline error. At most one error is
// delivered.
func (s *ScreenSource) Fatal() <-chan error {
	return s.fatal
}

// Stats returns delivery statistics. Thread-safe.
func (s *ScreenSource) Stats() SourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delivered := atomic.LoadUint64(&s.delivered)

	var fpsMean float64
	if !s.startedAt.IsZero() {
		if uptime := time.Since(s.startedAt).Seconds(); uptime > 0 {
			fpsMean = float64(delivered) / uptime
		}
	}

	var lastFrameAt time.Time
	if nanos := s.lastFrameNanos.Load(); nanos != 0 {
		lastFrameAt = time.Unix(0, nanos)
	}

	return SourceStats{
		FramesDelivered: delivered,
		FramesDropped:   atomic.LoadUint64(&s.dropped),
		BytesRead:       atomic.LoadUint64(&s.bytesRead),
		FPSMean:         fpsMean,
		LastFrameAt:     lastFrameAt,
	}
}
