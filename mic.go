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

// MicSource captures microphone audio through GStreamer, implementing
// AudioSource. The Open/Start split mirrors ScreenSource so the microphone
// can be prerolled alongside the screen pipeline.
type MicSource struct {
	device string

	mu       sync.Mutex
	elements *capture.AudioElements
	internal chan capture.AudioChunk
	chunks   chan AudioChunk
	fatal    chan error
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	opened   bool
	started  bool
	stopped  bool

	delivered uint64
	dropped   uint64
}

// NewMicSource returns an unopened microphone source. An empty device
// selects the system default.
func NewMicSource(device string) *MicSource {
	return &MicSource{
		device: device,
		fatal:  make(chan error, 1),
	}
}

// Open builds the microphone pipeline and prerolls it to PAUSED.
func (m *MicSource) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrNotActive
	}
	if m.opened {
		return fmt.Errorf("microphone source already opened")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	elements, err := capture.CreateAudioPipeline(capture.AudioPipelineConfig{
		DeviceID: m.device,
	})
	if err != nil {
		return &InitError{Stage: "create_audio_pipeline", Err: err}
	}

	m.internal = make(chan capture.AudioChunk, frameChanCapacity)
	m.chunks = make(chan AudioChunk, frameChanCapacity)
	m.done = make(chan struct{})

	callbackCtx := &capture.AudioCallbackContext{
		ChunkChan: m.internal,
		Delivered: &m.delivered,
		Dropped:   &m.dropped,
		Done:      m.done,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return capture.OnNewAudioSample(sink, callbackCtx)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePaused); err != nil {
		capture.DestroyAudioPipeline(elements)
		return &InitError{Stage: "audio_preroll", Err: err}
	}
	if err := capture.WaitForState(elements.Pipeline, gst.StatePaused, prerollTimeout); err != nil {
		capture.DestroyAudioPipeline(elements)
		return &InitError{Stage: "audio_preroll", Err: err}
	}

	m.elements = elements
	m.opened = true

	slog.Info("mic: pipeline prerolled", "device", m.device)
	return nil
}

// Start flips the prerolled pipeline to PLAYING and begins chunk delivery.
func (m *MicSource) Start(ctx context.Context) (<-chan AudioChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrNotActive
	}
	if !m.opened {
		return nil, fmt.Errorf("microphone source not opened")
	}
	if m.started {
		return nil, ErrAlreadyActive
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := m.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, &InitError{Stage: "audio_play", Err: err}
	}
	if err := capture.WaitForState(m.elements.Pipeline, gst.StatePlaying, playTimeout); err != nil {
		return nil, &InitError{Stage: "audio_play", Err: err}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go m.forwardChunks()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := capture.MonitorBus(monitorCtx, m.elements.Pipeline)
		if err == nil {
			return
		}
		select {
		case m.fatal <- err:
		default:
		}
		m.closeDone()
	}()

	slog.Info("mic: capture playing")
	return m.chunks, nil
}

func (m *MicSource) forwardChunks() {
	defer m.wg.Done()
	defer close(m.chunks)

	for {
		select {
		case <-m.done:
			return
		case c := <-m.internal:
			chunk := AudioChunk{
				Seq:        c.Seq,
				Timestamp:  c.Timestamp,
				Data:       c.Data,
				SampleRate: capture.AudioSampleRate,
				Channels:   capture.AudioChannels,
			}
			select {
			case m.chunks <- chunk:
			case <-m.done:
				return
			}
		}
	}
}

func (m *MicSource) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Stop halts delivery and releases the pipeline. Idempotent.
func (m *MicSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	if !m.opened {
		return nil
	}

	if m.done != nil {
		m.closeDone()
	}
	if m.cancel != nil {
		m.cancel()
	}

	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(stopTimeout):
		slog.Warn("mic: stop timeout exceeded, some goroutines may still be running")
	}

	if m.elements != nil {
		if err := capture.DestroyAudioPipeline(m.elements); err != nil {
			slog.Error("mic: failed to destroy pipeline", "error", err)
		}
		m.elements = nil
	}

	slog.Info("mic: capture stopped",
		"chunks_delivered", atomic.LoadUint64(&m.delivered),
		"chunks_dropped", atomic.LoadUint64(&m.dropped),
	)
	return nil
}

// Fatal reports an unrecoverable pipeline error.
func (m *MicSource) Fatal() <-chan error {
	return m.fatal
}
