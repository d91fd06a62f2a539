package pulse

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mieweb/pulse-desktop/internal/encode"
)

// audioBitrateKbps is the fixed AAC bitrate for microphone audio.
const audioBitrateKbps = 128

// videoBackend compresses raw frames. Satisfied by the GStreamer x264
// pipeline in production and by fakes in tests.
type videoBackend interface {
	Encode(pts time.Duration, rgb []byte) ([]encode.Packet, error)
	Flush() ([]encode.Packet, error)
	Close() error
}

// audioBackend compresses raw audio chunks.
type audioBackend interface {
	Encode(pts time.Duration, samples []byte) ([]encode.Packet, error)
	Flush() ([]encode.Packet, error)
	Close() error
}

// container writes encoded packets into the output file.
type container interface {
	WriteVideo(pkt encode.Packet) error
	WriteAudio(pkt encode.Packet) error
	Finalize() error
	Abort() error
}

// Factory hooks for the production GStreamer implementations. Tests swap
// these for in-memory fakes.
var (
	newVideoBackend = func(cfg encode.VideoConfig) (videoBackend, error) {
		return encode.NewVideoEncoder(cfg)
	}
	newAudioBackend = func(cfg encode.AudioConfig) (audioBackend, error) {
		return encode.NewAudioEncoder(cfg)
	}
	newContainer = func(cfg encode.WriterConfig) (container, error) {
		return encode.NewWriter(cfg)
	}
)

// Encoder turns a stream of captured frames (and optionally audio chunks)
// into an MP4 file.
//
// Dimensions are locked from the first frame: the codec and container are
// created lazily when it arrives, and every later frame must match.
// Frame PTS is derived from the sequence number, not from wall-clock
// arrival time, so encoded output is immune to capture jitter.
type Encoder struct {
	cfg RecordingConfig

	mu      sync.Mutex
	video   videoBackend
	audio   audioBackend
	sink    container
	width   int
	height  int
	lastPTS time.Duration
	frames  uint64
	packets uint64
	audioBy uint64 // raw audio bytes consumed, for PTS derivation
	stopped bool

	// Last muxed packet PTS per stream. Packets must be non-decreasing
	// within a stream or the container index breaks.
	lastVideoPkt time.Duration
	lastAudioPkt time.Duration
}

// NewEncoder validates the configuration and prepares an encoder. No
// pipelines are created until the first frame arrives.
func NewEncoder(cfg RecordingConfig) (*Encoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IOError{Path: dir, Err: err}
		}
	}

	return &Encoder{cfg: cfg, lastVideoPkt: -1, lastAudioPkt: -1}, nil
}

// WriteFrame encodes one captured frame. The first frame locks the output
// dimensions and starts the codec and container pipelines.
func (e *Encoder) WriteFrame(frame Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrNotActive
	}

	if e.video == nil {
		if err := e.openLocked(frame.Width, frame.Height); err != nil {
			return err
		}
	}

	if frame.Width != e.width || frame.Height != e.height {
		return &EncodingError{
			Op: "write_frame",
			Err: fmt.Errorf("frame %d is %dx%d, recording is locked to %dx%d",
				frame.Seq, frame.Width, frame.Height, e.width, e.height),
		}
	}

	pts := time.Duration(frame.Seq) * e.cfg.FrameInterval()
	if e.frames > 0 && pts <= e.lastPTS {
		return &EncodingError{
			Op:  "write_frame",
			Err: fmt.Errorf("non-increasing pts %s after %s (seq %d)", pts, e.lastPTS, frame.Seq),
		}
	}

	pkts, err := e.video.Encode(pts, frame.Data)
	if err != nil {
		return &EncodingError{Op: "encode_video", Err: err}
	}
	if err := e.writeVideoLocked(pkts); err != nil {
		return err
	}

	e.lastPTS = pts
	e.frames++
	return nil
}

// WriteAudio encodes one captured audio chunk. Chunks are ignored when the
// recording was configured without a microphone. Audio PTS is derived from
// the running sample count so drift cannot accumulate.
func (e *Encoder) WriteAudio(chunk AudioChunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrNotActive
	}
	if !e.cfg.Microphone {
		return nil
	}

	if e.audio == nil {
		backend, err := newAudioBackend(encode.AudioConfig{
			SampleRate:  chunk.SampleRate,
			Channels:    chunk.Channels,
			BitrateKbps: audioBitrateKbps,
		})
		if err != nil {
			return &InitError{Stage: "audio_encoder", Err: err}
		}
		e.audio = backend
	}

	bytesPerSecond := chunk.SampleRate * chunk.Channels * 2
	pts := time.Duration(e.audioBy) * time.Second / time.Duration(bytesPerSecond)

	pkts, err := e.audio.Encode(pts, chunk.Data)
	if err != nil {
		return &EncodingError{Op: "encode_audio", Err: err}
	}
	e.audioBy += uint64(len(chunk.Data))

	if e.sink == nil {
		// Audio arrived before the first video frame; the container does
		// not exist yet. Packets before video are dropped rather than
		// buffered, matching the video-first file layout.
		return nil
	}
	return e.writeAudioLocked(pkts)
}

// Stop drains the codecs, finalizes the file, and returns the recording
// result. A recording that never received a frame returns ErrNoFrames
// without creating a file. A recording that fails mid-drain still
// finalizes the packets written so far, so the file on disk stays
// playable.
func (e *Encoder) Stop() (RecordingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return RecordingResult{}, ErrNotActive
	}
	e.stopped = true

	if e.frames == 0 {
		// The container is created by the first frame; without one there
		// is no file of ours to clean up, and anything already at the
		// target path belongs to someone else.
		if e.sink != nil {
			e.sink.Abort()
			os.Remove(e.cfg.OutputPath)
		}
		return RecordingResult{}, ErrNoFrames
	}

	var drainErr error

	pkts, err := e.video.Flush()
	if err != nil {
		drainErr = &EncodingError{Op: "flush_video", Err: err}
	}
	if werr := e.writeVideoLocked(pkts); werr != nil && drainErr == nil {
		drainErr = werr
	}

	if e.audio != nil {
		apkts, err := e.audio.Flush()
		if err != nil && drainErr == nil {
			drainErr = &EncodingError{Op: "flush_audio", Err: err}
		}
		if werr := e.writeAudioLocked(apkts); werr != nil && drainErr == nil {
			drainErr = werr
		}
	}

	if e.packets == 0 {
		e.sink.Abort()
		if drainErr != nil {
			return RecordingResult{}, drainErr
		}
		os.Remove(e.cfg.OutputPath)
		return RecordingResult{}, ErrNoFrames
	}

	if err := e.sink.Finalize(); err != nil {
		return RecordingResult{}, &EncodingError{Op: "finalize", Err: err}
	}

	result := RecordingResult{
		Path:     e.cfg.OutputPath,
		Duration: float64(e.frames) / float64(e.cfg.FPS),
		Frames:   e.frames,
		Packets:  e.packets,
	}

	slog.Info("encoder: recording finalized",
		"path", result.Path,
		"duration_s", result.Duration,
		"frames", result.Frames,
		"packets", result.Packets,
	)

	// A drain error with packets already on disk is reported but does not
	// void the file.
	return result, drainErr
}

// Frames returns the number of frames accepted so far.
func (e *Encoder) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *Encoder) openLocked(width, height int) error {
	if width <= 0 || height <= 0 {
		return &EncodingError{
			Op:  "open",
			Err: fmt.Errorf("invalid frame dimensions %dx%d", width, height),
		}
	}
	// Odd dimensions cannot be subsampled to 4:2:0.
	if width%2 != 0 || height%2 != 0 {
		return &EncodingError{
			Op:  "open",
			Err: fmt.Errorf("frame dimensions %dx%d must be even", width, height),
		}
	}

	video, err := newVideoBackend(encode.VideoConfig{
		Width:       width,
		Height:      height,
		FPS:         e.cfg.FPS,
		BitrateKbps: bitrateForQuality(e.cfg.Quality, width, height, e.cfg.FPS),
	})
	if err != nil {
		return &InitError{Stage: "video_encoder", Err: err}
	}

	sink, err := newContainer(encode.WriterConfig{
		Path:            e.cfg.OutputPath,
		Width:           width,
		Height:          height,
		FPS:             e.cfg.FPS,
		Audio:           e.cfg.Microphone,
		AudioSampleRate: 48000,
		AudioChannels:   2,
	})
	if err != nil {
		video.Close()
		return &InitError{Stage: "container", Err: err}
	}

	e.video = video
	e.sink = sink
	e.width = width
	e.height = height

	slog.Info("encoder: streams opened",
		"path", e.cfg.OutputPath,
		"width", width,
		"height", height,
		"fps", e.cfg.FPS,
		"quality", e.cfg.Quality,
	)
	return nil
}

func (e *Encoder) writeVideoLocked(pkts []encode.Packet) error {
	for _, pkt := range pkts {
		if pkt.PTS < e.lastVideoPkt {
			return &EncodingError{
				Op:  "write_video",
				Err: fmt.Errorf("packet pts %s regressed below %s", pkt.PTS, e.lastVideoPkt),
			}
		}
		if err := e.sink.WriteVideo(pkt); err != nil {
			return &EncodingError{Op: "write_video", Err: err}
		}
		e.lastVideoPkt = pkt.PTS
		e.packets++
	}
	return nil
}

func (e *Encoder) writeAudioLocked(pkts []encode.Packet) error {
	for _, pkt := range pkts {
		if pkt.PTS < e.lastAudioPkt {
			return &EncodingError{
				Op:  "write_audio",
				Err: fmt.Errorf("packet pts %s regressed below %s", pkt.PTS, e.lastAudioPkt),
			}
		}
		if err := e.sink.WriteAudio(pkt); err != nil {
			return &EncodingError{Op: "write_audio", Err: err}
		}
		e.lastAudioPkt = pkt.PTS
		e.packets++
	}
	return nil
}

// bitrateForQuality maps the 0-100 quality knob to a target bitrate in
// kbps. The curve allocates 0.02 bits per pixel at quality 0 rising
// linearly to 0.1 at quality 100, which lands near 5 Mbps for 1080p30 at
// the default quality of 80.
func bitrateForQuality(quality, width, height, fps int) uint {
	bitsPerPixel := 0.02 + 0.0008*float64(quality)
	bits := bitsPerPixel * float64(width) * float64(height) * float64(fps)
	kbps := uint(bits / 1000)
	if kbps < 500 {
		kbps = 500
	}
	return kbps
}
